package btree

import (
	"bytes"
	"fmt"

	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
)

// Stats summarizes the shape of a tree.
type Stats struct {
	Height        int
	LeafNodes     int
	InternalNodes int
	Cells         int
}

type checkFrame struct {
	page   tablespace.PageNumber
	parent tablespace.PageNumber
	lo, hi []byte // lo inclusive, hi exclusive; nil is unbounded
	depth  int
}

// Check walks the whole tree and verifies its structural invariants: key
// order and bounds, fill factors, parent pointers, uniform leaf depth and the
// leaf sibling chain. Any violation wraps ErrInvariant.
func (t *BTree) Check() (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		stats     Stats
		leafDepth = -1
		leaves    []*node
		stack     = []checkFrame{{page: t.roots.Root()}}
	)
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth >= maxDepth {
			return stats, fmt.Errorf("%w: depth exceeds %d at page %d", ErrInvariant, maxDepth, f.page)
		}
		n, err := t.load(f.page)
		if err != nil {
			return stats, err
		}
		if n.parent != f.parent {
			return stats, fmt.Errorf("%w: page %d records parent %d, reached from %d", ErrInvariant, n.page, n.parent, f.parent)
		}
		if err := t.checkNode(n, f); err != nil {
			return stats, err
		}

		if n.isLeaf() {
			if leafDepth == -1 {
				leafDepth = f.depth
			} else if leafDepth != f.depth {
				return stats, fmt.Errorf("%w: leaf %d at depth %d, others at %d", ErrInvariant, n.page, f.depth, leafDepth)
			}
			stats.LeafNodes++
			stats.Cells += len(n.keys)
			leaves = append(leaves, n)
			continue
		}

		stats.InternalNodes++
		// Push right to left so leaves are visited in key order.
		for i := len(n.children) - 1; i >= 0; i-- {
			child := checkFrame{page: n.children[i], parent: n.page, lo: f.lo, hi: f.hi, depth: f.depth + 1}
			if i > 0 {
				child.lo = n.keys[i-1]
			}
			if i < len(n.keys) {
				child.hi = n.keys[i]
			}
			stack = append(stack, child)
		}
	}
	stats.Height = leafDepth + 1

	for i, leaf := range leaves {
		want := tablespace.InvalidPageNumber
		if i+1 < len(leaves) {
			want = leaves[i+1].page
		}
		if leaf.next != want {
			return stats, fmt.Errorf("%w: leaf %d links to %d, next leaf is %d", ErrInvariant, leaf.page, leaf.next, want)
		}
	}
	return stats, nil
}

func (t *BTree) checkNode(n *node, f checkFrame) error {
	isRoot := f.parent == tablespace.InvalidPageNumber
	limit := t.internalCap
	if n.isLeaf() {
		limit = t.leafCap
	}
	if len(n.keys) > limit {
		return fmt.Errorf("%w: %s %d holds %d cells, capacity %d", ErrInvariant, n.kind, n.page, len(n.keys), limit)
	}
	if !isRoot && len(n.keys) < t.minKeys(n) {
		return fmt.Errorf("%w: %s %d holds %d cells, minimum %d", ErrInvariant, n.kind, n.page, len(n.keys), t.minKeys(n))
	}
	if isRoot && !n.isLeaf() && len(n.keys) == 0 {
		return fmt.Errorf("%w: internal root %d has no separators", ErrInvariant, n.page)
	}
	for i, k := range n.keys {
		if i > 0 && bytes.Compare(n.keys[i-1], k) >= 0 {
			return fmt.Errorf("%w: %s %d keys out of order at %d", ErrInvariant, n.kind, n.page, i)
		}
		if f.lo != nil && bytes.Compare(k, f.lo) < 0 {
			return fmt.Errorf("%w: %s %d key %x below bound %x", ErrInvariant, n.kind, n.page, k, f.lo)
		}
		if f.hi != nil && bytes.Compare(k, f.hi) >= 0 {
			return fmt.Errorf("%w: %s %d key %x not below bound %x", ErrInvariant, n.kind, n.page, k, f.hi)
		}
	}
	return nil
}

// Height returns the number of levels, 1 for a lone root leaf.
func (t *BTree) Height() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	page := t.roots.Root()
	for h := 1; h <= maxDepth; h++ {
		n, err := t.load(page)
		if err != nil {
			return 0, err
		}
		if n.isLeaf() {
			return h, nil
		}
		page = n.children[0]
	}
	return 0, fmt.Errorf("%w: descent deeper than %d levels", ErrCorruptPage, maxDepth)
}

// Stats counts nodes and cells without verifying invariants.
func (t *BTree) Stats() (Stats, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stats Stats
	level := []tablespace.PageNumber{t.roots.Root()}
	for len(level) > 0 {
		if stats.Height >= maxDepth {
			return stats, fmt.Errorf("%w: descent deeper than %d levels", ErrCorruptPage, maxDepth)
		}
		stats.Height++
		var next []tablespace.PageNumber
		for _, page := range level {
			n, err := t.load(page)
			if err != nil {
				return stats, err
			}
			if n.isLeaf() {
				stats.LeafNodes++
				stats.Cells += len(n.keys)
				continue
			}
			stats.InternalNodes++
			next = append(next, n.children...)
		}
		level = next
	}
	return stats, nil
}

// PageInfo is a copy of one node's contents, for display.
type PageInfo struct {
	Page     tablespace.PageNumber
	Parent   tablespace.PageNumber
	Leaf     bool
	Keys     [][]byte
	Children []tablespace.PageNumber // internal only
	Next     tablespace.PageNumber   // leaf only
}

// Levels returns every node grouped by depth, root first, each level in key
// order.
func (t *BTree) Levels() ([][]PageInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var levels [][]PageInfo
	level := []tablespace.PageNumber{t.roots.Root()}
	for len(level) > 0 {
		if len(levels) >= maxDepth {
			return levels, fmt.Errorf("%w: descent deeper than %d levels", ErrCorruptPage, maxDepth)
		}
		infos := make([]PageInfo, 0, len(level))
		var next []tablespace.PageNumber
		for _, page := range level {
			n, err := t.load(page)
			if err != nil {
				return levels, err
			}
			info := PageInfo{Page: n.page, Parent: n.parent, Leaf: n.isLeaf(), Keys: n.keys}
			if n.isLeaf() {
				info.Next = n.next
			} else {
				info.Children = n.children
				next = append(next, n.children...)
			}
			infos = append(infos, info)
		}
		levels = append(levels, infos)
		level = next
	}
	return levels, nil
}
