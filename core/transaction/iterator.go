package transaction

import (
	"github.com/sushant-115/gojotable/core/indexing/btree"
	"github.com/sushant-115/gojotable/core/storage_engine/row"
)

// Iterator yields the rows a transaction sees, in ascending key order. It
// reads the tree lazily and groups the version cells of each user key.
type Iterator struct {
	txn    *Transaction
	cells  *btree.Iterator
	peeked *version // decoded cell the tree iterator is parked on
	key    uint64
	row    row.Row
	err    error
}

// Scan returns an iterator over txn's snapshot plus txn's own writes.
func (m *Manager) Scan(txn *Transaction) (*Iterator, error) {
	if err := checkActive(txn); err != nil {
		return nil, err
	}
	return &Iterator{txn: txn, cells: m.tree.Scan()}, nil
}

// Next advances to the next visible row.
func (it *Iterator) Next() bool {
	for it.err == nil {
		group := it.nextGroup()
		if len(group) == 0 || it.err != nil {
			return false
		}
		v, ok := it.txn.pick(group[0].key, group)
		if !ok {
			continue
		}
		r, err := v.row()
		if err != nil {
			it.err = err
			return false
		}
		it.key, it.row = v.key, r
		return true
	}
	return false
}

// nextGroup collects the version cells of the next user key.
func (it *Iterator) nextGroup() []version {
	if it.peeked == nil && !it.advance() {
		return nil
	}
	group := []version{*it.peeked}
	for it.advance() {
		if it.peeked.key != group[0].key {
			return group
		}
		group = append(group, *it.peeked)
	}
	return group
}

func (it *Iterator) advance() bool {
	it.peeked = nil
	if !it.cells.Next() {
		it.err = it.cells.Err()
		return false
	}
	v, err := decodeVersion(it.cells.Key(), it.cells.Value())
	if err != nil {
		it.err = err
		return false
	}
	it.peeked = &v
	return true
}

// Key returns the current user key.
func (it *Iterator) Key() uint64 { return it.key }

// Row returns the current row.
func (it *Iterator) Row() row.Row { return it.row }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }
