package pager

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
)

const testPageSize = 512

// --- Test Helpers ---

func setupPager(t *testing.T, capacity, pages int) (*Pager, *tablespace.Tablespace) {
	t.Helper()
	ts, err := tablespace.Create(filepath.Join(t.TempDir(), "pager.db"), testPageSize, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Close() })

	p, err := New(ts, capacity, zap.NewNop(), nil)
	require.NoError(t, err)
	for i := 0; i < pages; i++ {
		_, err := p.AllocatePage()
		require.NoError(t, err)
	}
	return p, ts
}

func touch(t *testing.T, p *Pager, n tablespace.PageNumber) {
	t.Helper()
	_, err := p.GetPage(n)
	require.NoError(t, err)
	require.NoError(t, p.Unpin(n))
}

func resident(p *Pager, n tablespace.PageNumber) bool {
	_, ok := p.PinCount(n)
	return ok
}

// failingStore wraps a real store and fails reads or writes on demand.
type failingStore struct {
	Store
	failReads  bool
	failWrites bool
}

func (s *failingStore) ReadPageInto(n tablespace.PageNumber, buf []byte) error {
	if s.failReads {
		return fmt.Errorf("%w: injected read failure", tablespace.ErrIO)
	}
	return s.Store.ReadPageInto(n, buf)
}

func (s *failingStore) WritePage(n tablespace.PageNumber, data []byte) error {
	if s.failWrites {
		return fmt.Errorf("%w: injected write failure", tablespace.ErrIO)
	}
	return s.Store.WritePage(n, data)
}

// gatedStore blocks reads of one page until released.
type gatedStore struct {
	Store
	gate    tablespace.PageNumber
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) ReadPageInto(n tablespace.PageNumber, buf []byte) error {
	if n == s.gate {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.Store.ReadPageInto(n, buf)
}

// --- Test Cases ---

func TestGetPage_PinsAndReusesFrame(t *testing.T) {
	p, _ := setupPager(t, 4, 2)

	f1, err := p.GetPage(1)
	require.NoError(t, err)
	f2, err := p.GetPage(1)
	require.NoError(t, err)
	require.Same(t, f1, f2, "second fetch must reuse the cached frame")

	pins, ok := p.PinCount(1)
	require.True(t, ok)
	require.Equal(t, 2, pins, "pins are reference-counted per call")

	require.NoError(t, p.Unpin(1))
	require.NoError(t, p.Unpin(1))
	require.ErrorIs(t, p.Unpin(1), ErrPageNotPinned)

	s := p.Stats()
	require.Equal(t, uint64(1), s.Misses)
	require.Equal(t, uint64(1), s.Hits)
	require.Equal(t, uint64(2), s.Allocations)
}

func TestGetPage_RejectsHeaderPage(t *testing.T) {
	p, _ := setupPager(t, 2, 1)
	_, err := p.GetPage(tablespace.HeaderPageNumber)
	require.ErrorIs(t, err, ErrInvalidPage)
}

func TestEviction_LeastRecentlyUnpinned(t *testing.T) {
	p, _ := setupPager(t, 2, 3)

	touch(t, p, 1)
	touch(t, p, 2)
	touch(t, p, 1) // page 1 becomes most recent
	touch(t, p, 3) // must evict page 2

	require.True(t, resident(p, 1))
	require.False(t, resident(p, 2))
	require.True(t, resident(p, 3))
	require.Equal(t, uint64(1), p.Stats().Evictions)
}

func TestEviction_NeverPicksPinnedFrame(t *testing.T) {
	p, _ := setupPager(t, 2, 4)

	_, err := p.GetPage(1) // stays pinned
	require.NoError(t, err)
	touch(t, p, 2)
	touch(t, p, 3)
	require.True(t, resident(p, 1), "pinned page 1 must survive eviction")
	require.False(t, resident(p, 2))

	_, err = p.GetPage(3) // now both frames pinned
	require.NoError(t, err)
	_, err = p.GetPage(4)
	require.ErrorIs(t, err, ErrCacheExhausted)

	require.NoError(t, p.Unpin(1))
	require.NoError(t, p.Unpin(3))
}

func TestEviction_WritesBackDirtyFrame(t *testing.T) {
	p, ts := setupPager(t, 1, 2)

	f, err := p.GetPage(1)
	require.NoError(t, err)
	f.Lock()
	copy(f.Data()[tablespace.PageHeaderSize:], []byte("survives eviction"))
	f.Unlock()
	require.NoError(t, p.MarkDirty(1))
	require.NoError(t, p.Unpin(1))

	touch(t, p, 2) // capacity 1: evicts page 1
	require.False(t, resident(p, 1))

	onDisk, err := ts.ReadPage(1)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(onDisk[tablespace.PageHeaderSize:], []byte("survives eviction")))

	again, err := p.GetPage(1)
	require.NoError(t, err)
	require.Equal(t, onDisk, again.Data())
	require.NoError(t, p.Unpin(1))
}

func TestFlush_IsIdempotent(t *testing.T) {
	p, _ := setupPager(t, 2, 1)

	f, err := p.GetPage(1)
	require.NoError(t, err)
	f.Lock()
	f.Data()[20] = 0x7F
	f.Unlock()
	require.NoError(t, p.MarkDirty(1))
	require.True(t, p.IsDirty(1))

	require.NoError(t, p.Flush(1))
	require.False(t, p.IsDirty(1))
	require.NoError(t, p.Flush(1))
	require.NoError(t, p.FlushAll())
	require.Equal(t, uint64(1), p.Stats().Flushes)

	require.NoError(t, p.Flush(99), "flushing a non-resident page is a no-op")
	require.NoError(t, p.Unpin(1))
}

func TestMarkDirty_RequiresPin(t *testing.T) {
	p, _ := setupPager(t, 2, 1)
	require.ErrorIs(t, p.MarkDirty(1), ErrPageNotPinned)
	touch(t, p, 1)
	require.ErrorIs(t, p.MarkDirty(1), ErrPageNotPinned)
}

func TestGetPage_CorruptNodeTag(t *testing.T) {
	p, ts := setupPager(t, 2, 1)

	bad := make([]byte, testPageSize)
	bad[tablespace.NodeTypeOffset] = 9
	require.NoError(t, ts.WritePage(1, bad))

	_, err := p.GetPage(1)
	require.ErrorIs(t, err, ErrCorruptPage)
	require.False(t, resident(p, 1), "a corrupt page must not stay cached")
	require.Equal(t, 0, p.Stats().Resident)
}

func TestGetPage_SurfacesIOError(t *testing.T) {
	_, ts := setupPager(t, 2, 2)
	store := &failingStore{Store: ts}
	p, err := New(store, 1, zap.NewNop(), nil)
	require.NoError(t, err)

	store.failReads = true
	_, err = p.GetPage(1)
	require.True(t, errors.Is(err, tablespace.ErrIO))

	store.failReads = false
	f, err := p.GetPage(1)
	require.NoError(t, err)
	f.Lock()
	f.Data()[30] = 1
	f.Unlock()
	require.NoError(t, p.MarkDirty(1))
	require.NoError(t, p.Unpin(1))

	store.failWrites = true
	_, err = p.GetPage(2)
	require.ErrorIs(t, err, tablespace.ErrIO, "a failed write-back must not drop the dirty page")
	require.True(t, p.IsDirty(1))

	store.failWrites = false
	touch(t, p, 2)
	require.False(t, resident(p, 1))
}

func TestGetPage_HitsDoNotWaitForMissIO(t *testing.T) {
	_, ts := setupPager(t, 4, 3)
	store := &gatedStore{Store: ts, gate: 2, entered: make(chan struct{}, 1), release: make(chan struct{})}
	p, err := New(store, 4, zap.NewNop(), nil)
	require.NoError(t, err)
	touch(t, p, 1)

	var g errgroup.Group
	frames := make([]*Frame, 2)
	for i := range frames {
		g.Go(func() error {
			f, err := p.GetPage(2)
			frames[i] = f
			return err
		})
	}
	select {
	case <-store.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("read of page 2 never started")
	}

	// Page 2 is mid-read; a hit on page 1 must still be served.
	hit := make(chan error, 1)
	go func() {
		_, err := p.GetPage(1)
		hit <- err
	}()
	select {
	case err := <-hit:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cache hit blocked behind another page's disk read")
	}
	require.NoError(t, p.Unpin(1))
	require.False(t, resident(p, 2), "a page still loading is not resident")
	require.ErrorIs(t, p.Unpin(2), ErrPageNotPinned)

	close(store.release)
	require.NoError(t, g.Wait())
	require.Same(t, frames[0], frames[1], "concurrent misses share one load")
	pins, ok := p.PinCount(2)
	require.True(t, ok)
	require.Equal(t, 2, pins)
	require.Equal(t, uint64(2), p.Stats().Misses, "pages 1 and 2 were each read once")
	require.NoError(t, p.Unpin(2))
	require.NoError(t, p.Unpin(2))
	require.NoError(t, p.FlushAll())
}
