package pager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
	internaltelemetry "github.com/sushant-115/gojotable/internal/telemetry"
)

var (
	ErrCacheExhausted = errors.New("page cache exhausted: every frame is pinned")
	ErrCorruptPage    = errors.New("corrupt page")
	ErrPageNotPinned  = errors.New("page is not pinned")
	ErrInvalidPage    = errors.New("page number does not address a node page")
	ErrInvalidConfig  = errors.New("invalid pager configuration")
)

// DefaultCapacity is the frame count used when none is configured.
const DefaultCapacity = 64

// Store is the page I/O the pager needs. *tablespace.Tablespace satisfies it.
type Store interface {
	PageSize() int
	ReadPageInto(n tablespace.PageNumber, buf []byte) error
	WritePage(n tablespace.PageNumber, data []byte) error
	AppendPage(data []byte) (tablespace.PageNumber, error)
	Sync() error
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Capacity    int
	Resident    int
	Pinned      int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Flushes     uint64
	Allocations uint64
}

// Pager is the single authority for pages in memory. It keeps a bounded pool of
// frames and evicts the least recently unpinned one when a new page is needed.
type Pager struct {
	store     Store
	pageSize  int
	capacity  int
	frames    []*Frame
	pageTable map[tablespace.PageNumber]int
	free      []int
	// Unpinned resident frames only; a frame leaves the list when pinned.
	lru     *simplelru.LRU[tablespace.PageNumber, int]
	mu      sync.Mutex
	stats   Stats
	logger  *zap.Logger
	metrics *internaltelemetry.PagerMetrics
}

// New creates a pager with capacity frames over store.
func New(store Store, capacity int, logger *zap.Logger, metrics *internaltelemetry.PagerMetrics) (*Pager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopPagerMetrics()
	}
	lru, err := simplelru.NewLRU[tablespace.PageNumber, int](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	p := &Pager{
		store:     store,
		pageSize:  store.PageSize(),
		capacity:  capacity,
		frames:    make([]*Frame, capacity),
		pageTable: make(map[tablespace.PageNumber]int, capacity),
		free:      make([]int, 0, capacity),
		lru:       lru,
		logger:    logger,
		metrics:   metrics,
	}
	for i := capacity - 1; i >= 0; i-- {
		p.frames[i] = newFrame(p.pageSize)
		p.free = append(p.free, i)
	}
	logger.Info("pager initialized", zap.Int("capacity", capacity), zap.Int("page_size", p.pageSize))
	return p, nil
}

// PageSize returns the size of every frame.
func (p *Pager) PageSize() int { return p.pageSize }

// GetPage returns page n pinned. Every successful call must be paired with
// one Unpin. Disk I/O for a miss runs without the pager mutex; callers asking
// for the same page meanwhile wait for that load instead of starting another.
func (p *Pager) GetPage(n tablespace.PageNumber) (*Frame, error) {
	if n == tablespace.HeaderPageNumber {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPage, n)
	}
	p.mu.Lock()
	for {
		idx, ok := p.pageTable[n]
		if !ok {
			break
		}
		f := p.frames[idx]
		if f.busy != nil {
			busy := f.busy
			p.mu.Unlock()
			<-busy
			p.mu.Lock()
			continue
		}
		if f.pinCount == 0 {
			p.lru.Remove(n)
		}
		f.pinCount++
		p.stats.Hits++
		p.mu.Unlock()
		p.metrics.CacheHitsCounter.Add(context.Background(), 1)
		return f, nil
	}

	idx, writeBack, err := p.reserveLocked()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	f := p.frames[idx]
	busy := make(chan struct{})
	f.busy = busy
	f.pinCount = 1
	p.pageTable[n] = idx
	p.mu.Unlock()

	// The frame is reachable only through busy entries now, so its bytes are
	// ours until busy is closed.
	var wbErr, readErr error
	if writeBack != tablespace.InvalidPageNumber {
		wbErr = p.store.WritePage(writeBack, f.data)
	}
	if wbErr == nil {
		readErr = p.store.ReadPageInto(n, f.data)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	defer close(busy)
	f.busy = nil

	if wbErr != nil {
		// The victim stays resident and dirty.
		delete(p.pageTable, n)
		f.pinCount = 0
		p.lru.Add(writeBack, idx)
		return nil, fmt.Errorf("writing back evicted page %d: %w", writeBack, wbErr)
	}
	if writeBack != tablespace.InvalidPageNumber {
		p.stats.Flushes++
		p.metrics.PageFlushesCounter.Add(context.Background(), 1)
		p.evictLocked(writeBack, idx)
	}
	if readErr == nil {
		if tag := f.data[tablespace.NodeTypeOffset]; !tablespace.ValidNodeType(tag) {
			readErr = fmt.Errorf("%w: page %d has node type tag %d", ErrCorruptPage, n, tag)
		}
	}
	if readErr != nil {
		delete(p.pageTable, n)
		f.reset()
		p.free = append(p.free, idx)
		p.logger.Error("failed to load page", zap.Uint32("page", uint32(n)), zap.Error(readErr))
		return nil, readErr
	}
	f.page = n
	f.pinCount = 1
	f.dirty = false
	p.stats.Misses++
	p.metrics.CacheMissesCounter.Add(context.Background(), 1)
	p.logger.Debug("page loaded", zap.Uint32("page", uint32(n)), zap.Int("frame", idx))
	return f, nil
}

// reserveLocked picks a frame for a new page, preferring never-used frames and
// otherwise the least recently unpinned one. When that frame holds a dirty
// page, the page is returned as writeBack and stays mapped until the caller
// has written it. Must be called with p.mu held.
func (p *Pager) reserveLocked() (idx int, writeBack tablespace.PageNumber, err error) {
	if len(p.free) > 0 {
		idx = p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		return idx, tablespace.InvalidPageNumber, nil
	}
	victim, idx, ok := p.lru.RemoveOldest()
	if !ok {
		p.logger.Error("page cache exhausted, all frames pinned (pin leak?)", zap.Int("capacity", p.capacity))
		return -1, tablespace.InvalidPageNumber, fmt.Errorf("%w: capacity %d", ErrCacheExhausted, p.capacity)
	}
	if p.frames[idx].dirty {
		return idx, victim, nil
	}
	p.evictLocked(victim, idx)
	return idx, tablespace.InvalidPageNumber, nil
}

// evictLocked unmaps victim from frame idx. The frame's bytes are left for
// the caller to overwrite.
func (p *Pager) evictLocked(victim tablespace.PageNumber, idx int) {
	delete(p.pageTable, victim)
	f := p.frames[idx]
	f.page = tablespace.InvalidPageNumber
	f.dirty = false
	p.stats.Evictions++
	p.metrics.EvictionsCounter.Add(context.Background(), 1)
	p.logger.Debug("evicted page", zap.Uint32("page", uint32(victim)), zap.Int("frame", idx))
}

// residentLocked returns the idle frame holding page n.
func (p *Pager) residentLocked(n tablespace.PageNumber) (*Frame, bool) {
	idx, ok := p.pageTable[n]
	if !ok {
		return nil, false
	}
	f := p.frames[idx]
	if f.busy != nil || f.page != n {
		return nil, false
	}
	return f, true
}

// waitIdleLocked returns once no frame has I/O in flight. It may release and
// reacquire p.mu.
func (p *Pager) waitIdleLocked() {
	for {
		var busy chan struct{}
		for _, f := range p.frames {
			if f.busy != nil {
				busy = f.busy
				break
			}
		}
		if busy == nil {
			return
		}
		p.mu.Unlock()
		<-busy
		p.mu.Lock()
	}
}

// AllocatePage extends the tablespace by one zeroed page and returns its number.
// The page is not loaded; fetch it with GetPage.
func (p *Pager) AllocatePage() (tablespace.PageNumber, error) {
	n, err := p.store.AppendPage(nil)
	if err != nil {
		return tablespace.InvalidPageNumber, err
	}
	p.mu.Lock()
	p.stats.Allocations++
	p.mu.Unlock()
	p.metrics.PagesAllocatedTotal.Add(context.Background(), 1)
	p.logger.Debug("allocated page", zap.Uint32("page", uint32(n)))
	return n, nil
}

// MarkDirty records that a pinned frame's bytes were modified.
func (p *Pager) MarkDirty(n tablespace.PageNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.residentLocked(n)
	if !ok || f.pinCount == 0 {
		return fmt.Errorf("%w: mark dirty on page %d", ErrPageNotPinned, n)
	}
	f.dirty = true
	return nil
}

// Unpin releases one pin taken by GetPage.
func (p *Pager) Unpin(n tablespace.PageNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.residentLocked(n)
	if !ok || f.pinCount == 0 {
		return fmt.Errorf("%w: unpin on page %d", ErrPageNotPinned, n)
	}
	f.pinCount--
	if f.pinCount == 0 {
		p.lru.Add(n, p.pageTable[n])
	}
	return nil
}

// Flush writes page n back if it is resident and dirty. Flushing a clean or
// non-resident page is a no-op, as is flushing a page already being written
// back by an eviction.
func (p *Pager) Flush(n tablespace.PageNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.residentLocked(n)
	if !ok {
		return nil
	}
	return p.flushFrameLocked(f)
}

// FlushAll waits for in-flight loads, then writes back every dirty frame and
// syncs the tablespace.
func (p *Pager) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitIdleLocked()
	var firstErr error
	for _, idx := range p.pageTable {
		if err := p.flushFrameLocked(p.frames[idx]); err != nil {
			p.logger.Error("flush failed", zap.Uint32("page", uint32(p.frames[idx].page)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := p.store.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (p *Pager) flushFrameLocked(f *Frame) error {
	if !f.dirty {
		return nil
	}
	// Copy under the shared latch so a concurrent edit never tears the write.
	f.RLock()
	snapshot := make([]byte, len(f.data))
	copy(snapshot, f.data)
	f.RUnlock()
	if err := p.store.WritePage(f.page, snapshot); err != nil {
		return err
	}
	f.dirty = false
	p.stats.Flushes++
	p.metrics.PageFlushesCounter.Add(context.Background(), 1)
	return nil
}

// Close flushes all dirty frames. Pinned frames at close indicate a leak and
// are logged.
func (p *Pager) Close() error {
	p.mu.Lock()
	for n, idx := range p.pageTable {
		if pins := p.frames[idx].pinCount; pins > 0 {
			p.logger.Warn("page still pinned at close", zap.Uint32("page", uint32(n)), zap.Int("pins", pins))
		}
	}
	p.mu.Unlock()
	return p.FlushAll()
}

// Stats returns current cache counters.
func (p *Pager) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Capacity = p.capacity
	for n := range p.pageTable {
		f, ok := p.residentLocked(n)
		if !ok {
			continue
		}
		s.Resident++
		if f.pinCount > 0 {
			s.Pinned++
		}
	}
	return s
}

// PinCount reports the pin count of page n and whether it is resident.
func (p *Pager) PinCount(n tablespace.PageNumber) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.residentLocked(n)
	if !ok {
		return 0, false
	}
	return f.pinCount, true
}

// IsDirty reports whether page n is resident with unflushed changes.
func (p *Pager) IsDirty(n tablespace.PageNumber) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.residentLocked(n)
	return ok && f.dirty
}
