package transaction

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojotable/core/indexing/btree"
	"github.com/sushant-115/gojotable/core/storage_engine/pager"
	"github.com/sushant-115/gojotable/core/storage_engine/row"
	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
)

// --- Test Helpers ---

type fixture struct {
	m     *Manager
	tree  *btree.BTree
	pager *pager.Pager
	ts    *tablespace.Tablespace
	path  string
}

func setupManager(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mvcc.db")
	ts, err := tablespace.Create(path, tablespace.DefaultPageSize, zap.NewNop())
	require.NoError(t, err)
	return openManager(t, ts, path)
}

func openManager(t *testing.T, ts *tablespace.Tablespace, path string) *fixture {
	t.Helper()
	t.Cleanup(func() { _ = ts.Close() })
	p, err := pager.New(ts, 32, zap.NewNop(), nil)
	require.NoError(t, err)
	tree, err := btree.New(p, ts, btree.Config{
		KeySize:      VersionKeySize,
		ValueSize:    VersionValueSize,
		MaxLeafCells: 4,
	}, zap.NewNop())
	require.NoError(t, err)
	m, err := NewManager(tree, zap.NewNop(), nil)
	require.NoError(t, err)
	return &fixture{m: m, tree: tree, pager: p, ts: ts, path: path}
}

func (f *fixture) reopen(t *testing.T) *fixture {
	t.Helper()
	require.NoError(t, f.pager.Close())
	require.NoError(t, f.ts.Close())
	ts, err := tablespace.Open(f.path, zap.NewNop())
	require.NoError(t, err)
	return openManager(t, ts, f.path)
}

func user(id uint32, name string) row.Row {
	return row.Row{ID: id, Username: name, Email: name + "@example.com"}
}

func mustRead(t *testing.T, m *Manager, txn *Transaction, key uint64) (row.Row, bool) {
	t.Helper()
	r, ok, err := m.Read(txn, key)
	require.NoError(t, err)
	return r, ok
}

func commitRows(t *testing.T, m *Manager, rows map[uint64]row.Row) {
	t.Helper()
	txn := m.Begin()
	for k, r := range rows {
		require.NoError(t, m.Upsert(txn, k, r))
	}
	require.NoError(t, m.Commit(txn))
}

func scanAll(t *testing.T, m *Manager, txn *Transaction) map[uint64]row.Row {
	t.Helper()
	it, err := m.Scan(txn)
	require.NoError(t, err)
	out := map[uint64]row.Row{}
	var prev uint64
	first := true
	for it.Next() {
		require.True(t, first || it.Key() > prev, "scan must be strictly ascending")
		first, prev = false, it.Key()
		out[it.Key()] = it.Row()
	}
	require.NoError(t, it.Err())
	return out
}

// --- Test Cases ---

func TestSnapshot_OlderReaderKeepsPriorValue(t *testing.T) {
	f := setupManager(t)
	m := f.m

	t1 := m.Begin()
	require.NoError(t, m.Insert(t1, 5, user(5, "a")))
	require.NoError(t, m.Commit(t1))

	t2 := m.Begin()
	got, ok := mustRead(t, m, t2, 5)
	require.True(t, ok)
	require.Equal(t, "a", got.Username)

	t3 := m.Begin()
	require.NoError(t, m.Update(t2, 5, user(5, "b")))
	require.NoError(t, m.Commit(t2))

	got, ok = mustRead(t, m, t3, 5)
	require.True(t, ok)
	require.Equal(t, "a", got.Username, "T3 began before T2 committed")

	t4 := m.Begin()
	got, ok = mustRead(t, m, t4, 5)
	require.True(t, ok)
	require.Equal(t, "b", got.Username)
}

func TestSnapshot_InsertCommittedLaterIsInvisible(t *testing.T) {
	f := setupManager(t)
	m := f.m

	reader := m.Begin()
	writer := m.Begin()
	require.NoError(t, m.Insert(writer, 1, user(1, "x")))

	_, ok := mustRead(t, m, reader, 1)
	require.False(t, ok, "pending versions are private")
	require.NoError(t, m.Commit(writer))

	_, ok = mustRead(t, m, reader, 1)
	require.False(t, ok, "commit after the snapshot stays invisible")
	require.Empty(t, scanAll(t, m, reader))
}

func TestCommit_FirstCommitterWins(t *testing.T) {
	f := setupManager(t)
	m := f.m
	commitRows(t, m, map[uint64]row.Row{9: user(9, "base")})

	t1 := m.Begin()
	t2 := m.Begin()
	require.NoError(t, m.Update(t1, 9, user(9, "one")))
	require.NoError(t, m.Update(t2, 9, user(9, "two")))

	require.NoError(t, m.Commit(t1))
	err := m.Commit(t2)
	require.ErrorIs(t, err, ErrTransactionConflict)
	require.Equal(t, StateActive, t2.State(), "caller decides to abort")
	require.NoError(t, m.Abort(t2))
	require.Equal(t, StateAborted, t2.State())

	got, ok := mustRead(t, m, m.Begin(), 9)
	require.True(t, ok)
	require.Equal(t, "one", got.Username)
}

func TestCommit_DeleteConflictsWithUpdate(t *testing.T) {
	f := setupManager(t)
	m := f.m
	commitRows(t, m, map[uint64]row.Row{3: user(3, "v")})

	deleter := m.Begin()
	updater := m.Begin()
	require.NoError(t, m.Delete(deleter, 3))
	require.NoError(t, m.Update(updater, 3, user(3, "w")))

	require.NoError(t, m.Commit(updater))
	require.ErrorIs(t, m.Commit(deleter), ErrTransactionConflict)
	require.NoError(t, m.Abort(deleter))
}

func TestCommit_DisjointKeysDoNotConflict(t *testing.T) {
	f := setupManager(t)
	m := f.m
	t1 := m.Begin()
	t2 := m.Begin()
	require.NoError(t, m.Insert(t1, 1, user(1, "a")))
	require.NoError(t, m.Insert(t2, 2, user(2, "b")))
	require.NoError(t, m.Commit(t2))
	require.NoError(t, m.Commit(t1))
	require.Len(t, scanAll(t, m, m.Begin()), 2)
}

func TestAbort_RestoresPriorVisibility(t *testing.T) {
	f := setupManager(t)
	m := f.m
	commitRows(t, m, map[uint64]row.Row{1: user(1, "keep"), 2: user(2, "also")})
	before, err := f.tree.Stats()
	require.NoError(t, err)

	txn := m.Begin()
	require.NoError(t, m.Update(txn, 1, user(1, "changed")))
	require.NoError(t, m.Delete(txn, 2))
	require.NoError(t, m.Insert(txn, 3, user(3, "new")))
	require.NoError(t, m.Abort(txn))

	after, err := f.tree.Stats()
	require.NoError(t, err)
	require.Equal(t, before.Cells, after.Cells, "aborted versions must be removed")

	rows := scanAll(t, m, m.Begin())
	require.Equal(t, map[uint64]row.Row{1: user(1, "keep"), 2: user(2, "also")}, rows)
}

func TestReadOwnWrites(t *testing.T) {
	f := setupManager(t)
	m := f.m
	commitRows(t, m, map[uint64]row.Row{7: user(7, "old")})

	txn := m.Begin()
	require.NoError(t, m.Update(txn, 7, user(7, "mine")))
	got, ok := mustRead(t, m, txn, 7)
	require.True(t, ok)
	require.Equal(t, "mine", got.Username)

	require.NoError(t, m.Update(txn, 7, user(7, "mine-again")))
	got, _ = mustRead(t, m, txn, 7)
	require.Equal(t, "mine-again", got.Username)

	require.NoError(t, m.Delete(txn, 7))
	_, ok = mustRead(t, m, txn, 7)
	require.False(t, ok)
	require.ErrorIs(t, m.Delete(txn, 7), ErrKeyNotFound)

	require.NoError(t, m.Insert(txn, 7, user(7, "reborn")))
	require.Equal(t, map[uint64]row.Row{7: user(7, "reborn")}, scanAll(t, m, txn))

	other := m.Begin()
	got, _ = mustRead(t, m, other, 7)
	require.Equal(t, "old", got.Username, "uncommitted writes stay private")

	require.NoError(t, m.Commit(txn))
	got, _ = mustRead(t, m, m.Begin(), 7)
	require.Equal(t, "reborn", got.Username)
}

func TestInsertUpdateDelete_Preconditions(t *testing.T) {
	f := setupManager(t)
	m := f.m
	commitRows(t, m, map[uint64]row.Row{1: user(1, "a")})

	txn := m.Begin()
	require.ErrorIs(t, m.Insert(txn, 1, user(1, "dup")), ErrDuplicateKey)
	require.ErrorIs(t, m.Update(txn, 2, user(2, "x")), ErrKeyNotFound)
	require.ErrorIs(t, m.Delete(txn, 2), ErrKeyNotFound)
	require.ErrorIs(t, m.Insert(txn, 4, row.Row{Username: string(make([]byte, row.UsernameSize+1))}), row.ErrFieldTooLong)
	require.NoError(t, m.Upsert(txn, 2, user(2, "x")))
	require.NoError(t, m.Commit(txn))
}

func TestFinishedTransactionRejectsOperations(t *testing.T) {
	f := setupManager(t)
	m := f.m
	committed := m.Begin()
	require.NoError(t, m.Commit(committed))
	aborted := m.Begin()
	require.NoError(t, m.Abort(aborted))

	for _, txn := range []*Transaction{committed, aborted, nil} {
		_, _, err := m.Read(txn, 1)
		require.ErrorIs(t, err, ErrTransactionNotActive)
		require.ErrorIs(t, m.Insert(txn, 1, user(1, "a")), ErrTransactionNotActive)
		require.ErrorIs(t, m.Delete(txn, 1), ErrTransactionNotActive)
		require.ErrorIs(t, m.Commit(txn), ErrTransactionNotActive)
		require.ErrorIs(t, m.Abort(txn), ErrTransactionNotActive)
		_, err = m.Scan(txn)
		require.ErrorIs(t, err, ErrTransactionNotActive)
	}
	require.Zero(t, m.ActiveCount())
}

func TestScan_MergesSnapshotAndOwnWrites(t *testing.T) {
	f := setupManager(t)
	m := f.m
	base := map[uint64]row.Row{}
	for k := uint64(1); k <= 30; k++ {
		base[k] = user(uint32(k), fmt.Sprintf("u%02d", k))
	}
	commitRows(t, m, base)

	snapshot := m.Begin()
	later := m.Begin()
	require.NoError(t, m.Delete(later, 10))
	require.NoError(t, m.Update(later, 11, user(11, "changed")))
	require.NoError(t, m.Commit(later))

	txn := m.Begin()
	require.NoError(t, m.Insert(txn, 31, user(31, "mine")))
	require.NoError(t, m.Delete(txn, 1))

	require.Equal(t, base, scanAll(t, m, snapshot))

	rows := scanAll(t, m, txn)
	require.Len(t, rows, 29)
	require.NotContains(t, rows, uint64(1))
	require.NotContains(t, rows, uint64(10))
	require.Equal(t, "changed", rows[11].Username)
	require.Equal(t, "mine", rows[31].Username)
}

func TestVacuum_RemovesVersionsNoSnapshotSees(t *testing.T) {
	f := setupManager(t)
	m := f.m
	commitRows(t, m, map[uint64]row.Row{1: user(1, "v1"), 2: user(2, "gone")})

	pinned := m.Begin()
	commitRows(t, m, map[uint64]row.Row{1: user(1, "v2")})
	del := m.Begin()
	require.NoError(t, m.Delete(del, 2))
	require.NoError(t, m.Commit(del))

	removed, err := m.Vacuum()
	require.NoError(t, err)
	require.Zero(t, removed, "the pinned snapshot still sees the closed versions")
	got, _ := mustRead(t, m, pinned, 1)
	require.Equal(t, "v1", got.Username)

	require.NoError(t, m.Commit(pinned))
	removed, err = m.Vacuum()
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	stats, err := f.tree.Check()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Cells)
	require.Equal(t, map[uint64]row.Row{1: user(1, "v2")}, scanAll(t, m, m.Begin()))
}

func TestRecovery_SweepsUncommittedAndRestoresClock(t *testing.T) {
	f := setupManager(t)
	commitRows(t, f.m, map[uint64]row.Row{1: user(1, "durable")})
	dangling := f.m.Begin()
	require.NoError(t, f.m.Insert(dangling, 2, user(2, "lost")))
	require.NoError(t, f.m.Update(dangling, 1, user(1, "lost")))
	clock := f.m.Clock()

	g := f.reopen(t)
	require.GreaterOrEqual(t, g.m.Clock(), dangling.ID)

	stats, err := g.tree.Check()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Cells)

	txn := g.m.Begin()
	require.Greater(t, txn.ID, clock, "ids must not reuse a stored creator")
	require.Equal(t, map[uint64]row.Row{1: user(1, "durable")}, scanAll(t, g.m, txn))
	require.NoError(t, g.m.Insert(txn, 2, user(2, "fresh")))
	require.NoError(t, g.m.Commit(txn))
}

func TestConcurrentDisjointWriters(t *testing.T) {
	f := setupManager(t)
	m := f.m
	const workers, perWorker = 8, 25

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				k := uint64(w*perWorker + i)
				txn := m.Begin()
				if err := m.Insert(txn, k, user(uint32(k), fmt.Sprintf("w%d", w))); err != nil {
					return err
				}
				if err := m.Commit(txn); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, scanAll(t, m, m.Begin()), workers*perWorker)
	_, err := f.tree.Check()
	require.NoError(t, err)
}

func TestConcurrentIncrements_NoLostUpdates(t *testing.T) {
	f := setupManager(t)
	m := f.m
	commitRows(t, m, map[uint64]row.Row{0: user(0, "counter")})
	const workers, increments = 4, 20

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for done := 0; done < increments; {
				txn := m.Begin()
				cur, ok, err := m.Read(txn, 0)
				if err != nil || !ok {
					return fmt.Errorf("read counter: ok=%v err=%v", ok, err)
				}
				cur.ID++
				if err := m.Update(txn, 0, cur); err != nil {
					return err
				}
				err = m.Commit(txn)
				if errors.Is(err, ErrTransactionConflict) {
					if err := m.Abort(txn); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				done++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got, ok := mustRead(t, m, m.Begin(), 0)
	require.True(t, ok)
	require.Equal(t, uint32(workers*increments), got.ID)
}

// appendFailStore fails page allocation while fail is set.
type appendFailStore struct {
	pager.Store
	fail atomic.Bool
}

var errAppendFailed = errors.New("append failed")

func (s *appendFailStore) AppendPage(data []byte) (tablespace.PageNumber, error) {
	if s.fail.Load() {
		return tablespace.InvalidPageNumber, fmt.Errorf("%w: %w", tablespace.ErrIO, errAppendFailed)
	}
	return s.Store.AppendPage(data)
}

func TestWrite_FailedTreeWriteLeavesRowIntact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mvcc.db")
	ts, err := tablespace.Create(path, tablespace.DefaultPageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })
	store := &appendFailStore{Store: ts}
	p, err := pager.New(store, 32, zap.NewNop(), nil)
	require.NoError(t, err)
	tree, err := btree.New(p, ts, btree.Config{
		KeySize:      VersionKeySize,
		ValueSize:    VersionValueSize,
		MaxLeafCells: 2,
	}, zap.NewNop())
	require.NoError(t, err)
	m, err := NewManager(tree, zap.NewNop(), nil)
	require.NoError(t, err)

	commitRows(t, m, map[uint64]row.Row{1: user(1, "a"), 2: user(2, "b")})

	txn := m.Begin()
	store.fail.Store(true)
	require.ErrorIs(t, m.Update(txn, 1, user(1, "changed")), tablespace.ErrIO)
	require.ErrorIs(t, m.Upsert(txn, 3, user(3, "new")), tablespace.ErrIO)
	store.fail.Store(false)

	require.Equal(t, StateActive, txn.State())
	require.Empty(t, txn.WriteSet())
	r, ok := mustRead(t, m, txn, 1)
	require.True(t, ok, "a failed update must not hide the row from its own transaction")
	require.Equal(t, "a", r.Username)
	_, ok = mustRead(t, m, txn, 3)
	require.False(t, ok)
	require.NoError(t, m.Commit(txn))

	reader := m.Begin()
	r, ok = mustRead(t, m, reader, 1)
	require.True(t, ok, "commit after a failed update must not delete the row")
	require.Equal(t, "a", r.Username)
	require.NoError(t, m.Commit(reader))

	retry := m.Begin()
	require.NoError(t, m.Update(retry, 1, user(1, "changed")))
	require.NoError(t, m.Commit(retry))
	reader = m.Begin()
	r, ok = mustRead(t, m, reader, 1)
	require.True(t, ok)
	require.Equal(t, "changed", r.Username)
	_, err = tree.Check()
	require.NoError(t, err)
}
