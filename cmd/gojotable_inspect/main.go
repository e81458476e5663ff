// Command gojotable_inspect examines a gojotable tablespace offline.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotable/config"
	"github.com/sushant-115/gojotable/core/database"
	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
	"github.com/sushant-115/gojotable/core/transaction"
	"github.com/sushant-115/gojotable/pkg/logger"
	"github.com/sushant-115/gojotable/pkg/telemetry"
)

// Globals are flags shared by every command.
type Globals struct {
	Config string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
}

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Info   InfoCmd   `cmd:"" help:"Print the tablespace header and a BLAKE3 digest of the file"`
	Check  CheckCmd  `cmd:"" help:"Verify B-tree invariants"`
	Dump   DumpCmd   `cmd:"" help:"Print every row visible to a fresh snapshot"`
	Vacuum VacuumCmd `cmd:"" help:"Remove row versions no snapshot can see"`
	Backup BackupCmd `cmd:"" help:"Copy the tablespace to a new file"`
	Tree   TreeCmd   `cmd:"" help:"Print B-tree pages level by level"`
}

type env struct {
	cfg config.Config
	log *zap.Logger
	tel *telemetry.Telemetry
}

func (g *Globals) env() (*env, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return nil, err
		}
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.New(cfg.Telemetry, log)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, tel: tel}, nil
}

func (e *env) close() {
	_ = e.tel.Shutdown(context.Background())
	_ = e.log.Sync()
}

func (e *env) open(path string) (*database.Database, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return database.Open(path,
		database.WithStorageConfig(e.cfg.Storage),
		database.WithLogger(e.log),
		database.WithTelemetry(e.tel))
}

// InfoCmd prints header fields without touching the tree.
type InfoCmd struct {
	Path string `arg:"" help:"Tablespace file" type:"existingfile"`
}

func (c *InfoCmd) Run(g *Globals, out io.Writer) error {
	e, err := g.env()
	if err != nil {
		return err
	}
	defer e.close()

	ts, err := tablespace.Open(c.Path, logger.Named(e.log, "tablespace"))
	if err != nil {
		return err
	}
	h := ts.ReadHeader()
	if err := ts.Close(); err != nil {
		return err
	}
	digest, err := fileDigest(c.Path)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "path:          %s\n", c.Path)
	fmt.Fprintf(out, "format:        v%d (magic 0x%08X)\n", h.Version, h.Magic)
	fmt.Fprintf(out, "page size:     %d\n", h.PageSize)
	fmt.Fprintf(out, "page count:    %d\n", h.PageCount)
	fmt.Fprintf(out, "root page:     %d\n", h.Root)
	fmt.Fprintf(out, "cell geometry: key %d, value %d\n", h.KeySize, h.ValueSize)
	fmt.Fprintf(out, "capacities:    leaf %d, internal %d\n", h.LeafCap, h.InternalCap)
	fmt.Fprintf(out, "blake3:        %s\n", digest)
	return nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CheckCmd runs the structural verifier.
type CheckCmd struct {
	Path string `arg:"" help:"Tablespace file" type:"existingfile"`
}

func (c *CheckCmd) Run(g *Globals, out io.Writer) error {
	e, err := g.env()
	if err != nil {
		return err
	}
	defer e.close()
	db, err := e.open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Check(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ok: height %d, %d internal, %d leaf pages, %d version cells\n",
		stats.Height, stats.InternalNodes, stats.LeafNodes, stats.Cells)
	return nil
}

// DumpCmd prints rows in key order.
type DumpCmd struct {
	Path  string `arg:"" help:"Tablespace file" type:"existingfile"`
	Limit int    `help:"Stop after this many rows (0 for all)" default:"0"`
}

func (c *DumpCmd) Run(g *Globals, out io.Writer) error {
	e, err := g.env()
	if err != nil {
		return err
	}
	defer e.close()
	db, err := e.open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	txn, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Abort(ctx, txn) }()

	it, err := db.Scan(ctx, txn)
	if err != nil {
		return err
	}
	n := 0
	for it.Next() {
		fmt.Fprintf(out, "%d\t%s\n", it.Key(), it.Row())
		n++
		if c.Limit > 0 && n >= c.Limit {
			break
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d rows\n", n)
	return nil
}

// VacuumCmd removes dead versions.
type VacuumCmd struct {
	Path string `arg:"" help:"Tablespace file" type:"existingfile"`
}

func (c *VacuumCmd) Run(g *Globals, out io.Writer) error {
	e, err := g.env()
	if err != nil {
		return err
	}
	defer e.close()
	db, err := e.open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	removed, err := db.Vacuum(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "removed %d dead versions\n", removed)
	return nil
}

// BackupCmd writes a consistent copy of a tablespace.
type BackupCmd struct {
	Path string `arg:"" help:"Tablespace file" type:"existingfile"`
	Dest string `arg:"" help:"Destination file; must not exist"`
	Rate int64  `help:"Maximum copy rate in bytes per second (0 for unlimited)" default:"0"`
}

func (c *BackupCmd) Run(g *Globals, out io.Writer) error {
	e, err := g.env()
	if err != nil {
		return err
	}
	defer e.close()
	db, err := e.open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := db.Backup(context.Background(), c.Dest, c.Rate)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "copied %d bytes to %s (blake3 %s)\n", res.Bytes, c.Dest, hex.EncodeToString(res.Digest))
	return nil
}

// TreeCmd prints each level's pages with their keys as key@creator.
type TreeCmd struct {
	Path    string `arg:"" help:"Tablespace file" type:"existingfile"`
	MaxKeys int    `help:"Keys to print per page (0 for all)" default:"8"`
}

func (c *TreeCmd) Run(g *Globals, out io.Writer) error {
	e, err := g.env()
	if err != nil {
		return err
	}
	defer e.close()
	db, err := e.open(c.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	levels, err := db.Tree(context.Background())
	if err != nil {
		return err
	}
	for depth, level := range levels {
		kind := "internal"
		if len(level) > 0 && level[0].Leaf {
			kind = "leaf"
		}
		fmt.Fprintf(out, "level %d: %d %s pages\n", depth, len(level), kind)
		for _, p := range level {
			keys, err := c.formatKeys(p.Keys)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  page %d parent %d", p.Page, p.Parent)
			if p.Leaf {
				fmt.Fprintf(out, " next %d", p.Next)
			} else {
				fmt.Fprintf(out, " children %v", p.Children)
			}
			fmt.Fprintf(out, " keys [%s]\n", keys)
		}
	}
	return nil
}

func (c *TreeCmd) formatKeys(keys [][]byte) (string, error) {
	shown := keys
	if c.MaxKeys > 0 && len(keys) > c.MaxKeys {
		shown = keys[:c.MaxKeys]
	}
	parts := make([]string, 0, len(shown)+1)
	for _, k := range shown {
		key, creator, err := transaction.SplitCellKey(k)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("%d@%d", key, creator))
	}
	if rest := len(keys) - len(shown); rest > 0 {
		parts = append(parts, fmt.Sprintf("+%d more", rest))
	}
	return strings.Join(parts, " "), nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("gojotable_inspect"),
		kong.Description("Inspect and maintain gojotable tablespace files"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Bind(&cli.Globals),
		kong.BindTo(io.Writer(os.Stdout), (*io.Writer)(nil)),
	)
	ctx.FatalIfErrorf(ctx.Run())
}
