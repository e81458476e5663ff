package pager

import (
	"sync"

	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
)

// Frame is a cache-resident copy of one page. Pin count and dirty flag are
// owned by the Pager; the latch protects the bytes while a caller edits them.
type Frame struct {
	page     tablespace.PageNumber
	data     []byte
	pinCount int
	dirty    bool
	// busy is non-nil while the pager does disk I/O on the frame outside its
	// mutex, and is closed when that I/O ends.
	busy  chan struct{}
	latch sync.RWMutex
}

func newFrame(size int) *Frame {
	return &Frame{
		page: tablespace.InvalidPageNumber,
		data: make([]byte, size),
	}
}

func (f *Frame) reset() {
	f.page = tablespace.InvalidPageNumber
	f.pinCount = 0
	f.dirty = false
	clear(f.data)
}

// PageNumber returns the page this frame currently holds.
func (f *Frame) PageNumber() tablespace.PageNumber { return f.page }

// Data returns the frame's page bytes. Hold the latch while reading or
// writing them, and call Pager.MarkDirty after a write.
func (f *Frame) Data() []byte { return f.data }

// RLock acquires the page latch in shared mode.
func (f *Frame) RLock() { f.latch.RLock() }

// RUnlock releases a shared page latch.
func (f *Frame) RUnlock() { f.latch.RUnlock() }

// Lock acquires the page latch exclusively, for the duration of one in-memory
// edit. Never hold it across a pager call.
func (f *Frame) Lock() { f.latch.Lock() }

// Unlock releases an exclusive page latch.
func (f *Frame) Unlock() { f.latch.Unlock() }
