package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotable/core/indexing/btree"
	"github.com/sushant-115/gojotable/core/storage_engine/row"
	internaltelemetry "github.com/sushant-115/gojotable/internal/telemetry"
)

var (
	ErrTransactionConflict  = errors.New("transaction conflict: key was committed by a concurrent transaction")
	ErrTransactionNotActive = errors.New("transaction is not active")
	ErrCorruptVersion       = errors.New("corrupt version cell")
	ErrInvalidTree          = errors.New("tree geometry does not hold version cells")
	ErrKeyNotFound          = btree.ErrKeyNotFound
	ErrDuplicateKey         = btree.ErrDuplicateKey
)

// Manager provides snapshot isolation over a tree of version cells.
//
// mu serializes timestamp assignment and the commit critical section. Begin
// takes it too, so a snapshot never falls inside a half-finalized commit.
// Reads and pending writes run without it.
type Manager struct {
	tree    *btree.BTree
	mu      sync.Mutex
	clock   uint64
	active  map[uint64]*Transaction
	logger  *zap.Logger
	metrics *internaltelemetry.TxnMetrics
}

// NewManager takes over tree, removes versions left pending by transactions
// that never committed and restores the clock from the stored timestamps.
func NewManager(tree *btree.BTree, logger *zap.Logger, metrics *internaltelemetry.TxnMetrics) (*Manager, error) {
	if tree.KeySize() != VersionKeySize || tree.ValueSize() != VersionValueSize {
		return nil, fmt.Errorf("%w: key %d value %d, want key %d value %d",
			ErrInvalidTree, tree.KeySize(), tree.ValueSize(), VersionKeySize, VersionValueSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopTxnMetrics()
	}
	m := &Manager{
		tree:    tree,
		active:  make(map[uint64]*Transaction),
		logger:  logger,
		metrics: metrics,
	}
	if err := m.recover(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) recover() error {
	var (
		stale [][]byte
		cells int
		it    = m.tree.Scan()
	)
	for it.Next() {
		v, err := decodeVersion(it.Key(), it.Value())
		if err != nil {
			return err
		}
		cells++
		m.clock = max(m.clock, v.creator)
		if v.pending {
			stale = append(stale, it.Key())
			continue
		}
		m.clock = max(m.clock, v.start, v.end)
	}
	if err := it.Err(); err != nil {
		return err
	}
	for _, k := range stale {
		if err := m.tree.Delete(k); err != nil {
			return fmt.Errorf("removing uncommitted version: %w", err)
		}
	}
	m.logger.Info("transaction manager ready",
		zap.Int("version_cells", cells),
		zap.Int("uncommitted_removed", len(stale)),
		zap.Uint64("clock", m.clock))
	return nil
}

// Begin starts a transaction whose snapshot includes every commit so far.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	m.clock++
	txn := newTransaction(m.clock)
	m.active[txn.ID] = txn
	m.mu.Unlock()

	m.metrics.BegunCounter.Add(context.Background(), 1)
	m.metrics.ActiveTxnsUpDown.Add(context.Background(), 1)
	m.logger.Debug("begin", zap.Uint64("txn", txn.ID))
	return txn
}

// Clock returns the last timestamp handed out.
func (m *Manager) Clock() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock
}

// ActiveCount returns the number of transactions neither committed nor aborted.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func checkActive(txn *Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: nil transaction", ErrTransactionNotActive)
	}
	if txn.state != StateActive {
		return fmt.Errorf("%w: txn %d is %s", ErrTransactionNotActive, txn.ID, txn.state)
	}
	return nil
}

// versions returns every version cell of key in creator order.
func (m *Manager) versions(key uint64) ([]version, error) {
	var out []version
	it := m.tree.Seek(versionKey(key, 0))
	for it.Next() {
		v, err := decodeVersion(it.Key(), it.Value())
		if err != nil {
			return nil, err
		}
		if v.key != key {
			break
		}
		out = append(out, v)
	}
	return out, it.Err()
}

func (m *Manager) visible(txn *Transaction, key uint64) (version, bool, error) {
	versions, err := m.versions(key)
	if err != nil {
		return version{}, false, err
	}
	v, ok := txn.pick(key, versions)
	return v, ok, nil
}

// Read returns the row txn sees under key, if any.
func (m *Manager) Read(txn *Transaction, key uint64) (row.Row, bool, error) {
	if err := checkActive(txn); err != nil {
		return row.Row{}, false, err
	}
	v, ok, err := m.visible(txn, key)
	if err != nil || !ok {
		return row.Row{}, false, err
	}
	r, err := v.row()
	if err != nil {
		return row.Row{}, false, err
	}
	return r, true, nil
}

// Write installs r as txn's pending version of key, replacing whatever txn
// sees. Visibility to others changes only at commit.
func (m *Manager) Write(txn *Transaction, key uint64, r row.Row) error {
	if err := checkActive(txn); err != nil {
		return err
	}
	if err := row.Validate(r); err != nil {
		return err
	}
	w, err := m.entry(txn, key)
	if err != nil {
		return err
	}
	own := version{key: key, creator: txn.ID, start: txn.ID, pending: true, payload: row.Encode(r)}
	if w.own {
		err = m.tree.Update(own.cellKey(), own.encode())
	} else {
		err = m.tree.Insert(own.cellKey(), own.encode())
	}
	if err != nil {
		return err
	}
	w.own, w.deleted = true, false
	txn.writes[key] = w
	return nil
}

// entry returns txn's write record for key, capturing the prior committed
// version on first touch. A new record is not part of the write set until
// the caller stores it after its tree change succeeds.
func (m *Manager) entry(txn *Transaction, key uint64) (*pendingWrite, error) {
	if w, ok := txn.writes[key]; ok {
		return w, nil
	}
	prior, ok, err := m.visible(txn, key)
	if err != nil {
		return nil, err
	}
	w := &pendingWrite{}
	if ok {
		w.prior = prior.cellKey()
	}
	return w, nil
}

// Insert writes r only if txn sees no row under key.
func (m *Manager) Insert(txn *Transaction, key uint64, r row.Row) error {
	if err := checkActive(txn); err != nil {
		return err
	}
	_, exists, err := m.visible(txn, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %d", ErrDuplicateKey, key)
	}
	return m.Write(txn, key, r)
}

// Update writes r only if txn sees a row under key.
func (m *Manager) Update(txn *Transaction, key uint64, r row.Row) error {
	if err := checkActive(txn); err != nil {
		return err
	}
	_, exists, err := m.visible(txn, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	return m.Write(txn, key, r)
}

// Upsert writes r whether or not a row exists.
func (m *Manager) Upsert(txn *Transaction, key uint64, r row.Row) error {
	return m.Write(txn, key, r)
}

// Delete hides the row under key from txn and, after commit, from every
// later snapshot.
func (m *Manager) Delete(txn *Transaction, key uint64) error {
	if err := checkActive(txn); err != nil {
		return err
	}
	_, exists, err := m.visible(txn, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrKeyNotFound, key)
	}
	w, err := m.entry(txn, key)
	if err != nil {
		return err
	}
	if w.own {
		if err := m.tree.Delete(versionKey(key, txn.ID)); err != nil {
			return err
		}
		w.own = false
	}
	w.deleted = true
	txn.writes[key] = w
	return nil
}

// Commit applies first-committer-wins: if any written key gained or lost a
// committed version after txn's snapshot, it fails with
// ErrTransactionConflict and txn stays active for the caller to abort.
func (m *Manager) Commit(txn *Transaction) error {
	if err := checkActive(txn); err != nil {
		return err
	}
	started := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range txn.writes {
		versions, err := m.versions(key)
		if err != nil {
			return err
		}
		for _, v := range versions {
			if v.committedAfter(txn.StartTS) {
				m.metrics.ConflictsCounter.Add(context.Background(), 1)
				m.logger.Warn("commit conflict",
					zap.Uint64("txn", txn.ID),
					zap.Uint64("key", key),
					zap.Uint64("other_creator", v.creator))
				return fmt.Errorf("%w: txn %d, key %d", ErrTransactionConflict, txn.ID, key)
			}
		}
	}

	if len(txn.writes) > 0 {
		m.clock++
		txn.CommitTS = m.clock
		for key, w := range txn.writes {
			if err := m.finalize(txn, key, w); err != nil {
				m.logger.Error("commit finalization failed",
					zap.Uint64("txn", txn.ID), zap.Uint64("key", key), zap.Error(err))
				return err
			}
		}
	}

	txn.state = StateCommitted
	delete(m.active, txn.ID)
	m.metrics.CommittedCounter.Add(context.Background(), 1)
	m.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
	m.metrics.CommitLatency.Record(context.Background(), time.Since(started).Microseconds())
	m.logger.Debug("commit",
		zap.Uint64("txn", txn.ID),
		zap.Uint64("commit_ts", txn.CommitTS),
		zap.Int("writes", len(txn.writes)),
		zap.Duration("age", time.Since(txn.began)))
	return nil
}

func (m *Manager) finalize(txn *Transaction, key uint64, w *pendingWrite) error {
	if w.prior != nil {
		if err := m.rewriteMeta(w.prior, func(v *version) { v.end = txn.CommitTS }); err != nil {
			return err
		}
	}
	if w.own {
		return m.rewriteMeta(versionKey(key, txn.ID), func(v *version) {
			v.start = txn.CommitTS
			v.pending = false
		})
	}
	return nil
}

func (m *Manager) rewriteMeta(cellKey []byte, edit func(*version)) error {
	value, err := m.tree.Get(cellKey)
	if err != nil {
		return err
	}
	v, err := decodeVersion(cellKey, value)
	if err != nil {
		return err
	}
	edit(&v)
	return m.tree.Update(cellKey, v.encode())
}

// Abort discards txn's pending versions. Prior versions were never touched,
// so their visibility is unchanged.
func (m *Manager) Abort(txn *Transaction) error {
	if err := checkActive(txn); err != nil {
		return err
	}
	for key, w := range txn.writes {
		if !w.own {
			continue
		}
		if err := m.tree.Delete(versionKey(key, txn.ID)); err != nil && !errors.Is(err, btree.ErrKeyNotFound) {
			return err
		}
		w.own = false
	}

	m.mu.Lock()
	txn.state = StateAborted
	delete(m.active, txn.ID)
	m.mu.Unlock()

	m.metrics.AbortedCounter.Add(context.Background(), 1)
	m.metrics.ActiveTxnsUpDown.Add(context.Background(), -1)
	m.logger.Debug("abort", zap.Uint64("txn", txn.ID), zap.Int("writes", len(txn.writes)))
	return nil
}

// Vacuum removes closed versions that no active or future snapshot can see:
// those whose end is at or below the oldest active snapshot, or at or below
// the clock when nothing is active. It returns the number of cells removed.
func (m *Manager) Vacuum() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	horizon := m.clock
	for id := range m.active {
		horizon = min(horizon, id)
	}

	var dead [][]byte
	it := m.tree.Scan()
	for it.Next() {
		v, err := decodeVersion(it.Key(), it.Value())
		if err != nil {
			return 0, err
		}
		if !v.pending && v.end != 0 && v.end <= horizon {
			dead = append(dead, it.Key())
		}
	}
	if err := it.Err(); err != nil {
		return 0, err
	}
	for i, k := range dead {
		if err := m.tree.Delete(k); err != nil {
			m.metrics.VacuumedVersionsTotal.Add(context.Background(), int64(i))
			return i, err
		}
	}
	m.metrics.VacuumedVersionsTotal.Add(context.Background(), int64(len(dead)))
	m.logger.Info("vacuum finished", zap.Uint64("horizon", horizon), zap.Int("removed", len(dead)))
	return len(dead), nil
}
