package tablespace

import "errors"

// PageNumber is the zero-based address of a page inside the tablespace file.
type PageNumber uint32

const (
	// HeaderPageNumber holds the tablespace header. No B-tree node ever lives
	// there, so 0 doubles as the "no page" value for parent/sibling/root fields.
	HeaderPageNumber  PageNumber = 0
	InvalidPageNumber PageNumber = 0

	DefaultPageSize = 4096
	MinPageSize     = 512
	MaxPageSize     = 65536

	Magic         uint32 = 0x6010DB7A
	FormatVersion uint32 = 1
)

// Header field offsets (page 0).
const (
	headerPageSizeOffset    = 0
	headerPageCountOffset   = 4
	headerRootOffset        = 8
	headerMagicOffset       = 12
	headerVersionOffset     = 16
	headerKeySizeOffset     = 20
	headerValueSizeOffset   = 22
	headerLeafCapOffset     = 24
	headerInternalCapOffset = 26
	headerSize              = 28
)

// Page header layout shared by leaf and internal nodes.
const (
	NodeTypeOffset   = 0
	CellCountOffset  = 1
	ParentOffset     = 3
	SiblingOffset    = 7 // leaf: next sibling, internal: rightmost child
	PageHeaderSize   = 11
	NodeTypeLeaf     = byte(0)
	NodeTypeInternal = byte(1)
)

var (
	ErrIO             = errors.New("i/o error")
	ErrBadMagic       = errors.New("invalid tablespace magic number")
	ErrBadVersion     = errors.New("unsupported tablespace format version")
	ErrBadPageSize    = errors.New("invalid page size")
	ErrPageOutOfRange = errors.New("page number out of range")
	ErrFileExists     = errors.New("tablespace file already exists")
	ErrClosed         = errors.New("tablespace is closed")
)

// Header is the in-memory form of page 0.
type Header struct {
	PageSize    uint32
	PageCount   uint32
	Root        PageNumber
	Magic       uint32
	Version     uint32
	KeySize     uint16
	ValueSize   uint16
	LeafCap     uint16
	InternalCap uint16
}

// ValidNodeType reports whether tag is a node type this format knows about.
func ValidNodeType(tag byte) bool {
	return tag == NodeTypeLeaf || tag == NodeTypeInternal
}
