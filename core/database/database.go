// Package database is the public face of the engine: one table in one
// tablespace file, with snapshot-isolated transactions over fixed-width rows.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotable/config"
	"github.com/sushant-115/gojotable/core/indexing/btree"
	"github.com/sushant-115/gojotable/core/storage_engine/backup"
	"github.com/sushant-115/gojotable/core/storage_engine/pager"
	"github.com/sushant-115/gojotable/core/storage_engine/row"
	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
	"github.com/sushant-115/gojotable/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotable/internal/telemetry"
	"github.com/sushant-115/gojotable/pkg/logger"
	"github.com/sushant-115/gojotable/pkg/telemetry"
)

var (
	ErrClosed            = errors.New("database is closed")
	ErrIncompatibleTable = errors.New("tablespace was not written by this table layout")
)

// Option configures Open.
type Option func(*options)

type options struct {
	storage   config.StorageConfig
	logger    *zap.Logger
	telemetry *telemetry.Telemetry
}

// WithStorageConfig sets page size, cache size and cell capacities. Page size
// and capacities only apply when the file is created.
func WithStorageConfig(c config.StorageConfig) Option {
	return func(o *options) { o.storage = c }
}

// WithLogger sets the base logger; components log under named children.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTelemetry routes metrics and spans to tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.telemetry = tel }
}

// Stats is a point-in-time summary of an open database.
type Stats struct {
	ID         string
	Path       string
	PageSize   int
	PageCount  uint32
	Root       tablespace.PageNumber
	Clock      uint64
	ActiveTxns int
	Cache      pager.Stats
}

// Database owns the tablespace, pager, tree and transaction manager of one table.
type Database struct {
	id      uuid.UUID
	path    string
	ts      *tablespace.Tablespace
	pager   *pager.Pager
	tree    *btree.BTree
	txns    *transaction.Manager
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.OpMetrics

	// Held shared by every operation and exclusively by Close.
	mu     sync.RWMutex
	closed bool
}

// Open opens the table at path, creating the file if it does not exist.
func Open(path string, opts ...Option) (*Database, error) {
	o := options{storage: config.Default().Storage}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.Noop()
	}

	if err := o.storage.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	log := o.logger.With(zap.String("db_id", id.String()))

	ts, created, err := openOrCreate(path, o.storage.PageSize, logger.Named(log, "tablespace"))
	if err != nil {
		return nil, err
	}
	db, err := assemble(id, path, ts, created, o, log)
	if err != nil {
		_ = ts.Close()
		if created {
			// A half-initialised file would be rejected by every later Open.
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn("removing unusable tablespace failed", zap.String("path", path), zap.Error(rmErr))
			}
		}
		return nil, err
	}
	log.Info("database opened",
		zap.String("path", path),
		zap.Bool("created", created),
		zap.Int("page_size", ts.PageSize()),
		zap.Uint32("pages", ts.PageCount()))
	return db, nil
}

func openOrCreate(path string, pageSize int, log *zap.Logger) (*tablespace.Tablespace, bool, error) {
	if _, err := os.Stat(path); err == nil {
		ts, err := tablespace.Open(path, log)
		return ts, false, err
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("%w: stat %s: %v", tablespace.ErrIO, path, err)
	}
	ts, err := tablespace.Create(path, pageSize, log)
	return ts, true, err
}

func assemble(id uuid.UUID, path string, ts *tablespace.Tablespace, created bool, o options, log *zap.Logger) (*Database, error) {
	meter := o.telemetry.Meter
	pagerMetrics, err := internaltelemetry.NewPagerMetrics(meter)
	if err != nil {
		return nil, err
	}
	txnMetrics, err := internaltelemetry.NewTxnMetrics(meter)
	if err != nil {
		return nil, err
	}
	opMetrics, err := internaltelemetry.NewOpMetrics(meter)
	if err != nil {
		return nil, err
	}

	treeCfg := btree.Config{
		KeySize:          transaction.VersionKeySize,
		ValueSize:        transaction.VersionValueSize,
		MaxLeafCells:     o.storage.MaxLeafCells,
		MaxInternalCells: o.storage.MaxInternalCells,
	}
	hdr := ts.ReadHeader()
	if !created {
		if int(hdr.KeySize) != treeCfg.KeySize || int(hdr.ValueSize) != treeCfg.ValueSize {
			return nil, fmt.Errorf("%w: %s has key %d value %d", ErrIncompatibleTable, path, hdr.KeySize, hdr.ValueSize)
		}
		// The file's recorded geometry wins over configuration.
		treeCfg.MaxLeafCells = int(hdr.LeafCap)
		treeCfg.MaxInternalCells = int(hdr.InternalCap)
	}

	p, err := pager.New(ts, o.storage.CacheFrames, logger.Named(log, "pager"), pagerMetrics)
	if err != nil {
		return nil, err
	}
	tree, err := btree.New(p, ts, treeCfg, logger.Named(log, "btree"))
	if err != nil {
		return nil, err
	}
	if created {
		hdr = ts.ReadHeader()
		hdr.KeySize = uint16(tree.KeySize())
		hdr.ValueSize = uint16(tree.ValueSize())
		hdr.LeafCap = uint16(tree.LeafCapacity())
		hdr.InternalCap = uint16(tree.InternalCapacity())
		if err := ts.WriteHeader(hdr); err != nil {
			return nil, err
		}
	}
	txns, err := transaction.NewManager(tree, logger.Named(log, "txn"), txnMetrics)
	if err != nil {
		return nil, err
	}

	return &Database{
		id:      id,
		path:    path,
		ts:      ts,
		pager:   p,
		tree:    tree,
		txns:    txns,
		logger:  log,
		tracer:  o.telemetry.Tracer,
		metrics: opMetrics,
	}, nil
}

// ID identifies this open instance in logs and stats.
func (db *Database) ID() string { return db.id.String() }

// --- Telemetry ---

func (db *Database) startOp(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	opAttr := metric.WithAttributes(attribute.String("db.operation", op))
	db.metrics.ActiveOpsUpDownCounter.Add(ctx, 1, opAttr)
	db.metrics.OpsStartedCounter.Add(ctx, 1, opAttr)
	ctx, span := db.tracer.Start(ctx, "gojotable."+op, trace.WithAttributes(
		append(attrs, attribute.String("db.id", db.id.String()))...,
	))
	return ctx, span, time.Now()
}

func (db *Database) endOp(ctx context.Context, span trace.Span, start time.Time, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	db.metrics.ActiveOpsUpDownCounter.Add(ctx, -1, metric.WithAttributes(attribute.String("db.operation", op)))
	set := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("db.operation", op),
		attribute.String("db.outcome", outcome),
	))
	db.metrics.OpLatencyHistogram.Record(ctx, time.Since(start).Microseconds(), set)
	db.metrics.OpsHandledCounter.Add(ctx, 1, set)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, transaction.ErrTransactionConflict):
		return "conflict"
	case errors.Is(err, btree.ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, btree.ErrKeyNotFound):
		return "key_not_found"
	case errors.Is(err, transaction.ErrTransactionNotActive):
		return "not_active"
	default:
		return "error"
	}
}

// run guards op against a closed database and a finished context, and wraps
// it in a span and metrics.
func (db *Database) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) (err error) {
	ctx, span, start := db.startOp(ctx, op, attrs...)
	defer func() { db.endOp(ctx, span, start, op, err) }()

	if err := ctx.Err(); err != nil {
		return err
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return fn(ctx)
}

func txnAttrs(txn *transaction.Transaction, key ...uint64) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if txn != nil {
		attrs = append(attrs, attribute.Int64("txn.id", int64(txn.ID)))
	}
	for _, k := range key {
		attrs = append(attrs, attribute.Int64("row.key", int64(k)))
	}
	return attrs
}

// --- Transactions ---

// Begin starts a snapshot-isolated transaction.
func (db *Database) Begin(ctx context.Context) (*transaction.Transaction, error) {
	var txn *transaction.Transaction
	err := db.run(ctx, "begin", nil, func(context.Context) error {
		txn = db.txns.Begin()
		return nil
	})
	return txn, err
}

// Commit makes txn's writes visible to later snapshots. On
// transaction.ErrTransactionConflict the caller must Abort txn.
func (db *Database) Commit(ctx context.Context, txn *transaction.Transaction) error {
	return db.run(ctx, "commit", txnAttrs(txn), func(context.Context) error {
		return db.txns.Commit(txn)
	})
}

// Abort discards txn's writes.
func (db *Database) Abort(ctx context.Context, txn *transaction.Transaction) error {
	return db.run(ctx, "abort", txnAttrs(txn), func(context.Context) error {
		return db.txns.Abort(txn)
	})
}

// --- Rows ---

// Get returns the row txn sees under key; ok is false when there is none.
func (db *Database) Get(ctx context.Context, txn *transaction.Transaction, key uint64) (r row.Row, ok bool, err error) {
	err = db.run(ctx, "get", txnAttrs(txn, key), func(context.Context) error {
		r, ok, err = db.txns.Read(txn, key)
		return err
	})
	return r, ok, err
}

// Insert adds a row; btree.ErrDuplicateKey if txn already sees one under key.
func (db *Database) Insert(ctx context.Context, txn *transaction.Transaction, key uint64, r row.Row) error {
	return db.run(ctx, "insert", txnAttrs(txn, key), func(context.Context) error {
		return db.txns.Insert(txn, key, r)
	})
}

// Update replaces a row; btree.ErrKeyNotFound if txn sees none under key.
func (db *Database) Update(ctx context.Context, txn *transaction.Transaction, key uint64, r row.Row) error {
	return db.run(ctx, "update", txnAttrs(txn, key), func(context.Context) error {
		return db.txns.Update(txn, key, r)
	})
}

// Upsert inserts or replaces the row under key.
func (db *Database) Upsert(ctx context.Context, txn *transaction.Transaction, key uint64, r row.Row) error {
	return db.run(ctx, "upsert", txnAttrs(txn, key), func(context.Context) error {
		return db.txns.Upsert(txn, key, r)
	})
}

// Delete removes a row; btree.ErrKeyNotFound if txn sees none under key.
func (db *Database) Delete(ctx context.Context, txn *transaction.Transaction, key uint64) error {
	return db.run(ctx, "delete", txnAttrs(txn, key), func(context.Context) error {
		return db.txns.Delete(txn, key)
	})
}

// Scan returns a lazy iterator over the rows txn sees, in key order.
func (db *Database) Scan(ctx context.Context, txn *transaction.Transaction) (*transaction.Iterator, error) {
	var it *transaction.Iterator
	err := db.run(ctx, "scan", txnAttrs(txn), func(context.Context) (err error) {
		it, err = db.txns.Scan(txn)
		return err
	})
	return it, err
}

// --- Maintenance ---

// Vacuum removes row versions no snapshot can see and returns how many.
func (db *Database) Vacuum(ctx context.Context) (int, error) {
	var n int
	err := db.run(ctx, "vacuum", nil, func(context.Context) (err error) {
		n, err = db.txns.Vacuum()
		return err
	})
	return n, err
}

// Check verifies the tree's structural invariants.
func (db *Database) Check(ctx context.Context) (btree.Stats, error) {
	var stats btree.Stats
	err := db.run(ctx, "check", nil, func(context.Context) (err error) {
		stats, err = db.tree.Check()
		return err
	})
	return stats, err
}

// Backup writes a consistent copy of the tablespace to dst, which must not
// exist. Other operations wait until the copy finishes; bytesPerSec caps the
// copy rate, zero meaning unlimited. Uncommitted versions are copied as-is and
// swept when the copy is opened.
func (db *Database) Backup(ctx context.Context, dst string, bytesPerSec int64) (res backup.Result, err error) {
	ctx, span, start := db.startOp(ctx, "backup", attribute.String("backup.dst", dst))
	defer func() { db.endOp(ctx, span, start, "backup", err) }()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return res, ErrClosed
	}
	if err := db.pager.FlushAll(); err != nil {
		return res, err
	}
	if err := db.ts.Sync(); err != nil {
		return res, err
	}
	res, err = backup.CopyFile(ctx, db.path, dst, bytesPerSec)
	if err != nil {
		return res, err
	}
	db.logger.Info("backup written",
		zap.String("dst", dst),
		zap.Int64("bytes", res.Bytes),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

// Tree returns the tree's nodes level by level, root first.
func (db *Database) Tree(ctx context.Context) ([][]btree.PageInfo, error) {
	var levels [][]btree.PageInfo
	err := db.run(ctx, "tree", nil, func(context.Context) (err error) {
		levels, err = db.tree.Levels()
		return err
	})
	return levels, err
}

// Stats reports file, cache and transaction counters.
func (db *Database) Stats() Stats {
	return Stats{
		ID:         db.id.String(),
		Path:       db.path,
		PageSize:   db.ts.PageSize(),
		PageCount:  db.ts.PageCount(),
		Root:       db.ts.Root(),
		Clock:      db.txns.Clock(),
		ActiveTxns: db.txns.ActiveCount(),
		Cache:      db.pager.Stats(),
	}
}

// Close flushes every dirty page and releases the file. Transactions still
// active are abandoned; their versions are swept on the next Open.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	if n := db.txns.ActiveCount(); n > 0 {
		db.logger.Warn("closing with active transactions", zap.Int("active", n))
	}
	flushErr := db.pager.Close()
	closeErr := db.ts.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		db.logger.Error("close failed", zap.Error(err))
		return err
	}
	db.logger.Info("database closed", zap.String("path", db.path))
	return nil
}
