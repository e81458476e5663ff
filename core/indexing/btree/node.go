package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"

	"github.com/sushant-115/gojotable/core/storage_engine/tablespace"
)

// --- Node Layout ---

type nodeKind byte

const (
	leafNode     = nodeKind(tablespace.NodeTypeLeaf)
	internalNode = nodeKind(tablespace.NodeTypeInternal)
)

func (k nodeKind) String() string {
	if k == leafNode {
		return "leaf"
	}
	return "internal"
}

const childPointerSize = 4

// node is the decoded form of one page. Nodes never point at each other in
// memory; every link is a page number resolved through the pager.
type node struct {
	page   tablespace.PageNumber
	kind   nodeKind
	parent tablespace.PageNumber
	// Leaf only: right sibling for ordered scans.
	next     tablespace.PageNumber
	keys     [][]byte
	values   [][]byte                // leaf only, parallel to keys
	children []tablespace.PageNumber // internal only, len(keys)+1
}

func newLeaf(page, parent tablespace.PageNumber) *node {
	return &node{page: page, kind: leafNode, parent: parent}
}

func newInternal(page, parent tablespace.PageNumber) *node {
	return &node{page: page, kind: internalNode, parent: parent}
}

func (n *node) isLeaf() bool { return n.kind == leafNode }

// find returns the position of key in a leaf and whether it is present.
func (n *node) find(key []byte) (int, bool) {
	return slices.BinarySearchFunc(n.keys, key, bytes.Compare)
}

// childIndex picks the child covering key. A key equal to a separator goes
// right: separator i is the inclusive lower bound of child i+1.
func (n *node) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

// layout fixes the cell geometry of one tree.
type layout struct {
	pageSize  int
	keySize   int
	valueSize int
}

func (l layout) leafCellSize() int     { return l.keySize + l.valueSize }
func (l layout) internalCellSize() int { return l.keySize + childPointerSize }

// physical cell limits for a page, independent of configured capacities.
func (l layout) maxLeafCells() int {
	return (l.pageSize - tablespace.PageHeaderSize) / l.leafCellSize()
}

func (l layout) maxInternalCells() int {
	return (l.pageSize - tablespace.PageHeaderSize) / l.internalCellSize()
}

// encode writes n into buf (one page). The caller holds the frame latch.
func (l layout) encode(n *node, buf []byte) error {
	count := len(n.keys)
	limit := l.maxLeafCells()
	if !n.isLeaf() {
		limit = l.maxInternalCells()
		if len(n.children) != count+1 {
			return fmt.Errorf("%w: internal page %d has %d keys and %d children", ErrCorruptPage, n.page, count, len(n.children))
		}
	}
	if count > limit {
		return fmt.Errorf("%w: %s page %d holds %d cells, page fits %d", ErrCorruptPage, n.kind, n.page, count, limit)
	}

	clear(buf)
	buf[tablespace.NodeTypeOffset] = byte(n.kind)
	binary.LittleEndian.PutUint16(buf[tablespace.CellCountOffset:], uint16(count))
	binary.LittleEndian.PutUint32(buf[tablespace.ParentOffset:], uint32(n.parent))

	off := tablespace.PageHeaderSize
	if n.isLeaf() {
		binary.LittleEndian.PutUint32(buf[tablespace.SiblingOffset:], uint32(n.next))
		for i := range n.keys {
			copy(buf[off:off+l.keySize], n.keys[i])
			copy(buf[off+l.keySize:off+l.leafCellSize()], n.values[i])
			off += l.leafCellSize()
		}
		return nil
	}
	binary.LittleEndian.PutUint32(buf[tablespace.SiblingOffset:], uint32(n.children[count]))
	for i := range n.keys {
		copy(buf[off:off+l.keySize], n.keys[i])
		binary.LittleEndian.PutUint32(buf[off+l.keySize:], uint32(n.children[i]))
		off += l.internalCellSize()
	}
	return nil
}

// decode parses one page into a node. Keys and values are copied out so the
// node stays valid after the frame is unpinned.
func (l layout) decode(page tablespace.PageNumber, buf []byte) (*node, error) {
	tag := buf[tablespace.NodeTypeOffset]
	if !tablespace.ValidNodeType(tag) {
		return nil, fmt.Errorf("%w: page %d has node type tag %d", ErrCorruptPage, page, tag)
	}
	n := &node{
		page:   page,
		kind:   nodeKind(tag),
		parent: tablespace.PageNumber(binary.LittleEndian.Uint32(buf[tablespace.ParentOffset:])),
	}
	count := int(binary.LittleEndian.Uint16(buf[tablespace.CellCountOffset:]))
	sibling := tablespace.PageNumber(binary.LittleEndian.Uint32(buf[tablespace.SiblingOffset:]))

	limit := l.maxLeafCells()
	if !n.isLeaf() {
		limit = l.maxInternalCells()
	}
	if count > limit {
		return nil, fmt.Errorf("%w: %s page %d claims %d cells, page fits %d", ErrCorruptPage, n.kind, page, count, limit)
	}

	n.keys = make([][]byte, count)
	off := tablespace.PageHeaderSize
	if n.isLeaf() {
		n.next = sibling
		n.values = make([][]byte, count)
		for i := 0; i < count; i++ {
			n.keys[i] = bytes.Clone(buf[off : off+l.keySize])
			n.values[i] = bytes.Clone(buf[off+l.keySize : off+l.leafCellSize()])
			off += l.leafCellSize()
		}
		return n, nil
	}
	n.children = make([]tablespace.PageNumber, count+1)
	for i := 0; i < count; i++ {
		n.keys[i] = bytes.Clone(buf[off : off+l.keySize])
		n.children[i] = tablespace.PageNumber(binary.LittleEndian.Uint32(buf[off+l.keySize:]))
		off += l.internalCellSize()
	}
	n.children[count] = sibling
	return n, nil
}

func putPageNumber(b []byte, n tablespace.PageNumber) {
	binary.LittleEndian.PutUint32(b, uint32(n))
}
