package transaction

import (
	"encoding/binary"
	"fmt"

	"github.com/sushant-115/gojotable/core/storage_engine/row"
)

// Version cell layout. The tree key is (user key, creator id), both big
// endian so all versions of one user key are adjacent and ordered by creator.
// The value is start_ts | end_ts | flags | encoded row.
const (
	VersionKeySize   = 16
	versionMetaSize  = 17
	VersionValueSize = versionMetaSize + row.Size

	startOffset = 0
	endOffset   = 8
	flagsOffset = 16

	// flagPending marks a version whose creator has not committed. Its start
	// field holds the creator id until commit replaces it.
	flagPending byte = 1 << 0
)

type version struct {
	key     uint64
	creator uint64
	start   uint64
	end     uint64 // 0 while open
	pending bool
	payload []byte
}

func versionKey(key, creator uint64) []byte {
	b := make([]byte, VersionKeySize)
	binary.BigEndian.PutUint64(b[0:], key)
	binary.BigEndian.PutUint64(b[8:], creator)
	return b
}

// SplitCellKey returns the user key and creator id encoded in a version
// cell key.
func SplitCellKey(cellKey []byte) (key, creator uint64, err error) {
	if len(cellKey) != VersionKeySize {
		return 0, 0, fmt.Errorf("%w: cell key of %d bytes", ErrCorruptVersion, len(cellKey))
	}
	return binary.BigEndian.Uint64(cellKey[0:]), binary.BigEndian.Uint64(cellKey[8:]), nil
}

func (v version) cellKey() []byte { return versionKey(v.key, v.creator) }

func (v version) encode() []byte {
	b := make([]byte, VersionValueSize)
	binary.LittleEndian.PutUint64(b[startOffset:], v.start)
	binary.LittleEndian.PutUint64(b[endOffset:], v.end)
	if v.pending {
		b[flagsOffset] = flagPending
	}
	copy(b[versionMetaSize:], v.payload)
	return b
}

func decodeVersion(cellKey, value []byte) (version, error) {
	if len(cellKey) != VersionKeySize || len(value) != VersionValueSize {
		return version{}, fmt.Errorf("%w: cell of %d/%d bytes", ErrCorruptVersion, len(cellKey), len(value))
	}
	return version{
		key:     binary.BigEndian.Uint64(cellKey[0:]),
		creator: binary.BigEndian.Uint64(cellKey[8:]),
		start:   binary.LittleEndian.Uint64(value[startOffset:]),
		end:     binary.LittleEndian.Uint64(value[endOffset:]),
		pending: value[flagsOffset]&flagPending != 0,
		payload: value[versionMetaSize:],
	}, nil
}

// visibleAt applies the snapshot rule: committed no later than snap and not
// closed as of snap.
func (v version) visibleAt(snap uint64) bool {
	return !v.pending && v.start <= snap && (v.end == 0 || v.end > snap)
}

// committedAfter reports whether a commit later than snap created or closed v.
func (v version) committedAfter(snap uint64) bool {
	return !v.pending && (v.start > snap || v.end > snap)
}

func (v version) row() (row.Row, error) {
	return row.Decode(v.payload)
}
