package btree

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
)

// Iterator walks cells in ascending key order. It buffers one leaf at a time
// and re-descends from the last key it returned before reading the next leaf,
// so splits and merges between batches never make it skip or repeat a key.
//
// Iterator is not safe for concurrent use.
type Iterator struct {
	tree   *BTree
	from   []byte // inclusive lower bound, nil for the first key
	last   []byte // last key returned
	keys   [][]byte
	values [][]byte
	pos    int
	done   bool
	err    error
	key    []byte
	value  []byte
}

// Scan returns an iterator positioned before the smallest key.
func (t *BTree) Scan() *Iterator {
	return &Iterator{tree: t}
}

// Seek returns an iterator positioned before the first key >= from.
func (t *BTree) Seek(from []byte) *Iterator {
	return &Iterator{tree: t, from: bytes.Clone(from)}
}

// Next advances to the next cell and reports whether there is one.
func (it *Iterator) Next() bool {
	for it.pos >= len(it.keys) {
		if it.done || it.err != nil {
			return false
		}
		if err := it.fill(); err != nil {
			it.err = err
			return false
		}
	}
	it.key = it.keys[it.pos]
	it.value = it.values[it.pos]
	it.pos++
	it.last = it.key
	return true
}

// Key returns the current key. The slice is owned by the caller.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value. The slice is owned by the caller.
func (it *Iterator) Value() []byte { return it.value }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Rewind restarts the iterator from its original lower bound.
func (it *Iterator) Rewind() {
	it.last = nil
	it.keys, it.values, it.pos = nil, nil, 0
	it.done = false
	it.err = nil
	it.key, it.value = nil, nil
}

func (it *Iterator) fill() error {
	t := it.tree
	t.mu.RLock()
	defer t.mu.RUnlock()

	bound, inclusive := it.from, true
	if it.last != nil {
		bound, inclusive = it.last, false
	}

	var (
		leaf *node
		err  error
	)
	if bound == nil {
		leaf, err = t.leftmostLeaf()
	} else {
		_, leaf, err = t.descend(bound)
	}
	if err != nil {
		return err
	}

	it.keys, it.values, it.pos = it.keys[:0], it.values[:0], 0
	for {
		for i, k := range leaf.keys {
			if bound != nil {
				c := bytes.Compare(k, bound)
				if c < 0 || (c == 0 && !inclusive) {
					continue
				}
			}
			it.keys = append(it.keys, k)
			it.values = append(it.values, leaf.values[i])
		}
		if len(it.keys) > 0 {
			return nil
		}
		if leaf.next == tablespace.InvalidPageNumber {
			it.done = true
			return nil
		}
		next := leaf.next
		if leaf, err = t.load(next); err != nil {
			return err
		}
		if !leaf.isLeaf() {
			return fmt.Errorf("%w: sibling link points at internal page %d", ErrCorruptPage, next)
		}
	}
}
