package btree

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotable/core/storage_engine/pager"
	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
)

// --- Error Definitions ---

var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrDuplicateKey  = errors.New("key already exists")
	ErrCorruptPage   = pager.ErrCorruptPage
	ErrInvalidConfig = errors.New("invalid btree configuration")
	ErrKeySize       = errors.New("key width does not match tree key size")
	ErrValueSize     = errors.New("value width does not match tree value size")
	ErrInvariant     = errors.New("btree invariant violated")
)

// maxDepth bounds descent so a corrupt child cycle fails instead of spinning.
const maxDepth = 64

// RootStore persists the root page number. *tablespace.Tablespace satisfies it.
type RootStore interface {
	Root() tablespace.PageNumber
	SetRoot(root tablespace.PageNumber) error
}

// Config fixes the cell geometry of a tree. Zero capacities mean "as many
// cells as fit in a page".
type Config struct {
	KeySize          int
	ValueSize        int
	MaxLeafCells     int
	MaxInternalCells int
}

// BTree keeps a sorted key space across pages. It owns no storage: pages come
// from the pager and the root pointer lives in the RootStore.
//
// Writers hold the tree latch exclusively for the whole root-to-leaf path they
// restructure; readers share it. Frame latches are held only while a page's
// bytes are decoded or encoded.
type BTree struct {
	pager       *pager.Pager
	roots       RootStore
	layout      layout
	leafCap     int
	internalCap int
	mu          sync.RWMutex
	logger      *zap.Logger
}

// SearchResult locates a key: the leaf that holds or would hold it and the
// cell index inside that leaf.
type SearchResult struct {
	Leaf  tablespace.PageNumber
	Index int
	Found bool
}

type pathStep struct {
	page  tablespace.PageNumber
	child int
}

// New opens the tree rooted at roots.Root(), creating an empty root leaf when
// the tablespace has none yet.
func New(p *pager.Pager, roots RootStore, cfg Config, logger *zap.Logger) (*BTree, error) {
	if p == nil || roots == nil {
		return nil, fmt.Errorf("%w: pager and root store are required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := layout{pageSize: p.PageSize(), keySize: cfg.KeySize, valueSize: cfg.ValueSize}
	leafCap, internalCap, err := cfg.Capacities(p.PageSize())
	if err != nil {
		return nil, err
	}
	t := &BTree{
		pager:       p,
		roots:       roots,
		layout:      l,
		leafCap:     leafCap,
		internalCap: internalCap,
		logger:      logger,
	}
	if roots.Root() == tablespace.InvalidPageNumber {
		root, err := t.allocate(leafNode, tablespace.InvalidPageNumber)
		if err != nil {
			return nil, err
		}
		if err := t.store(root); err != nil {
			return nil, err
		}
		if err := roots.SetRoot(root.page); err != nil {
			return nil, err
		}
		logger.Info("created empty tree", zap.Uint32("root", uint32(root.page)))
	}
	logger.Debug("btree ready",
		zap.Int("leaf_capacity", leafCap),
		zap.Int("internal_capacity", internalCap),
		zap.Uint32("root", uint32(roots.Root())))
	return t, nil
}

// Capacities resolves the leaf and internal cell capacities cfg yields on
// pages of pageSize bytes, failing with ErrInvalidConfig when a page cannot
// hold two cells or a configured capacity exceeds what fits.
func (cfg Config) Capacities(pageSize int) (leaf, internal int, err error) {
	if cfg.KeySize <= 0 || cfg.ValueSize < 0 {
		return 0, 0, fmt.Errorf("%w: key size %d, value size %d", ErrInvalidConfig, cfg.KeySize, cfg.ValueSize)
	}
	l := layout{pageSize: pageSize, keySize: cfg.KeySize, valueSize: cfg.ValueSize}
	if leaf, err = capacity(cfg.MaxLeafCells, l.maxLeafCells(), "leaf"); err != nil {
		return 0, 0, err
	}
	if internal, err = capacity(cfg.MaxInternalCells, l.maxInternalCells(), "internal"); err != nil {
		return 0, 0, err
	}
	return leaf, internal, nil
}

func capacity(configured, physical int, kind string) (int, error) {
	if physical < 2 {
		return 0, fmt.Errorf("%w: page fits only %d %s cells", ErrInvalidConfig, physical, kind)
	}
	if configured == 0 {
		return physical, nil
	}
	if configured < 2 || configured > physical {
		return 0, fmt.Errorf("%w: %s capacity %d outside [2, %d]", ErrInvalidConfig, kind, configured, physical)
	}
	return configured, nil
}

// LeafCapacity returns the maximum number of cells in a leaf.
func (t *BTree) LeafCapacity() int { return t.leafCap }

// InternalCapacity returns the maximum number of separators in an internal node.
func (t *BTree) InternalCapacity() int { return t.internalCap }

// KeySize returns the fixed key width.
func (t *BTree) KeySize() int { return t.layout.keySize }

// ValueSize returns the fixed value width.
func (t *BTree) ValueSize() int { return t.layout.valueSize }

// Root returns the current root page number.
func (t *BTree) Root() tablespace.PageNumber { return t.roots.Root() }

// minKeys is the fill floor for a non-root node: ceil(c/2) cells for a leaf,
// floor(c/2) separators (ceil((c+1)/2) children) for an internal node.
func (t *BTree) minKeys(n *node) int {
	if n.isLeaf() {
		return (t.leafCap + 1) / 2
	}
	return t.internalCap / 2
}

// --- Page Access ---

func (t *BTree) load(page tablespace.PageNumber) (*node, error) {
	f, err := t.pager.GetPage(page)
	if err != nil {
		return nil, err
	}
	f.RLock()
	n, err := t.layout.decode(page, f.Data())
	f.RUnlock()
	if uerr := t.pager.Unpin(page); err == nil {
		err = uerr
	}
	return n, err
}

func (t *BTree) store(n *node) error {
	f, err := t.pager.GetPage(n.page)
	if err != nil {
		return err
	}
	f.Lock()
	err = t.layout.encode(n, f.Data())
	f.Unlock()
	if err == nil {
		err = t.pager.MarkDirty(n.page)
	}
	if uerr := t.pager.Unpin(n.page); err == nil {
		err = uerr
	}
	return err
}

// setParent rewrites only the parent field of a page, leaving cells alone.
func (t *BTree) setParent(page, parent tablespace.PageNumber) error {
	f, err := t.pager.GetPage(page)
	if err != nil {
		return err
	}
	f.Lock()
	putPageNumber(f.Data()[tablespace.ParentOffset:], parent)
	f.Unlock()
	err = t.pager.MarkDirty(page)
	if uerr := t.pager.Unpin(page); err == nil {
		err = uerr
	}
	return err
}

func (t *BTree) allocate(kind nodeKind, parent tablespace.PageNumber) (*node, error) {
	page, err := t.pager.AllocatePage()
	if err != nil {
		return nil, err
	}
	if kind == leafNode {
		return newLeaf(page, parent), nil
	}
	return newInternal(page, parent), nil
}

// descend walks from the root to the leaf covering key, recording the
// internal pages visited and the child index taken at each.
func (t *BTree) descend(key []byte) ([]pathStep, *node, error) {
	page := t.roots.Root()
	path := make([]pathStep, 0, 8)
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.load(page)
		if err != nil {
			return nil, nil, err
		}
		if n.isLeaf() {
			return path, n, nil
		}
		i := n.childIndex(key)
		path = append(path, pathStep{page: page, child: i})
		page = n.children[i]
	}
	return nil, nil, fmt.Errorf("%w: descent deeper than %d levels", ErrCorruptPage, maxDepth)
}

func (t *BTree) leftmostLeaf() (*node, error) {
	page := t.roots.Root()
	for depth := 0; depth < maxDepth; depth++ {
		n, err := t.load(page)
		if err != nil {
			return nil, err
		}
		if n.isLeaf() {
			return n, nil
		}
		page = n.children[0]
	}
	return nil, fmt.Errorf("%w: descent deeper than %d levels", ErrCorruptPage, maxDepth)
}

func (t *BTree) checkKey(key []byte) error {
	if len(key) != t.layout.keySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrKeySize, len(key), t.layout.keySize)
	}
	return nil
}

func (t *BTree) checkValue(value []byte) error {
	if len(value) != t.layout.valueSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrValueSize, len(value), t.layout.valueSize)
	}
	return nil
}

// --- Search ---

// Search locates key: O(height) page accesses along a single path.
func (t *BTree) Search(key []byte) (SearchResult, error) {
	if err := t.checkKey(key); err != nil {
		return SearchResult{}, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, leaf, err := t.descend(key)
	if err != nil {
		return SearchResult{}, err
	}
	idx, found := leaf.find(key)
	return SearchResult{Leaf: leaf.page, Index: idx, Found: found}, nil
}

// Get returns a copy of the value stored under key.
func (t *BTree) Get(key []byte) ([]byte, error) {
	if err := t.checkKey(key); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, leaf, err := t.descend(key)
	if err != nil {
		return nil, err
	}
	idx, found := leaf.find(key)
	if !found {
		return nil, ErrKeyNotFound
	}
	return leaf.values[idx], nil
}

// --- Insert ---

// Insert adds a new cell. Existing keys are never overwritten; use Update.
func (t *BTree) Insert(key, value []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.checkValue(value); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx, found := leaf.find(key)
	if found {
		return fmt.Errorf("%w: %x", ErrDuplicateKey, key)
	}
	leaf.keys = slices.Insert(leaf.keys, idx, bytes.Clone(key))
	leaf.values = slices.Insert(leaf.values, idx, bytes.Clone(value))
	if len(leaf.keys) <= t.leafCap {
		return t.store(leaf)
	}

	right, sep, err := t.splitLeaf(leaf)
	if err != nil {
		return err
	}
	return t.insertIntoParent(path, leaf, sep, right)
}

// splitLeaf moves the upper half of an overfull leaf to a new page and links
// it into the sibling chain. The separator is the new page's first key.
func (t *BTree) splitLeaf(n *node) (*node, []byte, error) {
	right, err := t.allocate(leafNode, n.parent)
	if err != nil {
		return nil, nil, err
	}
	mid := len(n.keys) / 2
	right.keys = slices.Clone(n.keys[mid:])
	right.values = slices.Clone(n.values[mid:])
	right.next = n.next
	n.keys = slices.Clone(n.keys[:mid])
	n.values = slices.Clone(n.values[:mid])
	n.next = right.page

	if err := t.store(right); err != nil {
		return nil, nil, err
	}
	if err := t.store(n); err != nil {
		return nil, nil, err
	}
	t.logger.Debug("split leaf",
		zap.Uint32("left", uint32(n.page)), zap.Uint32("right", uint32(right.page)),
		zap.Int("left_cells", len(n.keys)), zap.Int("right_cells", len(right.keys)))
	return right, right.keys[0], nil
}

// splitInternal moves the separators above the middle one to a new page and
// returns the middle separator for the parent.
func (t *BTree) splitInternal(n *node) (*node, []byte, error) {
	right, err := t.allocate(internalNode, n.parent)
	if err != nil {
		return nil, nil, err
	}
	mid := len(n.keys) / 2
	up := n.keys[mid]
	right.keys = slices.Clone(n.keys[mid+1:])
	right.children = slices.Clone(n.children[mid+1:])
	n.keys = slices.Clone(n.keys[:mid])
	n.children = slices.Clone(n.children[:mid+1])

	if err := t.store(right); err != nil {
		return nil, nil, err
	}
	if err := t.store(n); err != nil {
		return nil, nil, err
	}
	for _, child := range right.children {
		if err := t.setParent(child, right.page); err != nil {
			return nil, nil, err
		}
	}
	t.logger.Debug("split internal",
		zap.Uint32("left", uint32(n.page)), zap.Uint32("right", uint32(right.page)))
	return right, up, nil
}

// insertIntoParent replays the recorded path upward, adding the separator for
// right at each level and splitting parents that overflow. A root split is the
// only place the tree grows taller.
func (t *BTree) insertIntoParent(path []pathStep, left *node, sep []byte, right *node) error {
	for level := len(path) - 1; ; level-- {
		if level < 0 {
			root, err := t.allocate(internalNode, tablespace.InvalidPageNumber)
			if err != nil {
				return err
			}
			root.keys = [][]byte{sep}
			root.children = []tablespace.PageNumber{left.page, right.page}
			if err := t.store(root); err != nil {
				return err
			}
			if err := t.setParent(left.page, root.page); err != nil {
				return err
			}
			if err := t.setParent(right.page, root.page); err != nil {
				return err
			}
			if err := t.roots.SetRoot(root.page); err != nil {
				return err
			}
			t.logger.Debug("tree grew", zap.Uint32("new_root", uint32(root.page)))
			return nil
		}

		parent, err := t.load(path[level].page)
		if err != nil {
			return err
		}
		i := path[level].child
		parent.keys = slices.Insert(parent.keys, i, sep)
		parent.children = slices.Insert(parent.children, i+1, right.page)
		if len(parent.keys) <= t.internalCap {
			return t.store(parent)
		}
		newRight, up, err := t.splitInternal(parent)
		if err != nil {
			return err
		}
		left, sep, right = parent, up, newRight
	}
}

// --- Update ---

// Update replaces the value of an existing cell in place.
func (t *BTree) Update(key, value []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	if err := t.checkValue(value); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	_, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx, found := leaf.find(key)
	if !found {
		return fmt.Errorf("%w: %x", ErrKeyNotFound, key)
	}
	leaf.values[idx] = bytes.Clone(value)
	return t.store(leaf)
}

// --- Delete ---

// Delete removes the cell for key and rebalances: an underfull node borrows
// from a sibling that can spare a cell, otherwise it merges with one. Merges
// can cascade to the root, and a root left with a single child is replaced
// by that child.
func (t *BTree) Delete(key []byte) error {
	if err := t.checkKey(key); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	path, leaf, err := t.descend(key)
	if err != nil {
		return err
	}
	idx, found := leaf.find(key)
	if !found {
		return fmt.Errorf("%w: %x", ErrKeyNotFound, key)
	}
	leaf.keys = slices.Delete(leaf.keys, idx, idx+1)
	leaf.values = slices.Delete(leaf.values, idx, idx+1)
	return t.rebalance(path, leaf)
}

func (t *BTree) rebalance(path []pathStep, n *node) error {
	for level := len(path) - 1; ; level-- {
		if level < 0 {
			if !n.isLeaf() && len(n.keys) == 0 {
				// The old root page is abandoned; pages are never reclaimed.
				child := n.children[0]
				if err := t.setParent(child, tablespace.InvalidPageNumber); err != nil {
					return err
				}
				if err := t.roots.SetRoot(child); err != nil {
					return err
				}
				t.logger.Debug("tree shrank", zap.Uint32("new_root", uint32(child)))
				return nil
			}
			return t.store(n)
		}
		if len(n.keys) >= t.minKeys(n) {
			return t.store(n)
		}

		parent, err := t.load(path[level].page)
		if err != nil {
			return err
		}
		i := path[level].child
		var left, right *node
		if i > 0 {
			if left, err = t.load(parent.children[i-1]); err != nil {
				return err
			}
		}
		if i < len(parent.children)-1 {
			if right, err = t.load(parent.children[i+1]); err != nil {
				return err
			}
		}

		switch {
		case left != nil && len(left.keys) > t.minKeys(left):
			return t.borrowFromLeft(parent, i, left, n)
		case right != nil && len(right.keys) > t.minKeys(right):
			return t.borrowFromRight(parent, i, n, right)
		case left != nil:
			if err := t.merge(parent, i-1, left, n); err != nil {
				return err
			}
		default:
			if err := t.merge(parent, i, n, right); err != nil {
				return err
			}
		}
		n = parent
	}
}

// borrowFromLeft moves the last cell of left into n, the child at index i.
func (t *BTree) borrowFromLeft(parent *node, i int, left, n *node) error {
	last := len(left.keys) - 1
	if n.isLeaf() {
		n.keys = slices.Insert(n.keys, 0, left.keys[last])
		n.values = slices.Insert(n.values, 0, left.values[last])
		left.keys = left.keys[:last]
		left.values = left.values[:last]
		parent.keys[i-1] = n.keys[0]
	} else {
		moved := left.children[last+1]
		n.keys = slices.Insert(n.keys, 0, parent.keys[i-1])
		n.children = slices.Insert(n.children, 0, moved)
		parent.keys[i-1] = left.keys[last]
		left.keys = left.keys[:last]
		left.children = left.children[:last+1]
		if err := t.setParent(moved, n.page); err != nil {
			return err
		}
	}
	return t.storeAll(left, n, parent)
}

// borrowFromRight moves the first cell of right into n, the child at index i.
func (t *BTree) borrowFromRight(parent *node, i int, n, right *node) error {
	if n.isLeaf() {
		n.keys = append(n.keys, right.keys[0])
		n.values = append(n.values, right.values[0])
		right.keys = right.keys[1:]
		right.values = right.values[1:]
		parent.keys[i] = right.keys[0]
	} else {
		moved := right.children[0]
		n.keys = append(n.keys, parent.keys[i])
		n.children = append(n.children, moved)
		parent.keys[i] = right.keys[0]
		right.keys = right.keys[1:]
		right.children = right.children[1:]
		if err := t.setParent(moved, n.page); err != nil {
			return err
		}
	}
	return t.storeAll(right, n, parent)
}

// merge folds right into left and drops separator sep from parent. The right
// page is abandoned. The parent is stored by the caller's next iteration.
func (t *BTree) merge(parent *node, sep int, left, right *node) error {
	if left.isLeaf() {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.next = right.next
	} else {
		left.keys = append(left.keys, parent.keys[sep])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	parent.keys = slices.Delete(parent.keys, sep, sep+1)
	parent.children = slices.Delete(parent.children, sep+1, sep+2)
	if err := t.store(left); err != nil {
		return err
	}
	if !left.isLeaf() {
		for _, child := range right.children {
			if err := t.setParent(child, left.page); err != nil {
				return err
			}
		}
	}
	t.logger.Debug("merged nodes",
		zap.Stringer("kind", left.kind),
		zap.Uint32("into", uint32(left.page)), zap.Uint32("from", uint32(right.page)))
	return nil
}

func (t *BTree) storeAll(nodes ...*node) error {
	for _, n := range nodes {
		if err := t.store(n); err != nil {
			return err
		}
	}
	return nil
}
