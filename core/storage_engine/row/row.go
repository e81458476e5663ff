// Package row encodes the table's fixed-width row layout.
package row

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrMalformedRow = errors.New("malformed row payload")
	ErrFieldTooLong = errors.New("row field exceeds column width")
	ErrInvalidField = errors.New("row field contains a NUL byte")
)

// Column describes one fixed-width column of the row layout.
type Column struct {
	Name   string
	Offset int
	Width  int
}

const (
	IDSize       = 4
	UsernameSize = 32
	EmailSize    = 255
	Size         = IDSize + UsernameSize + EmailSize
)

// Columns is the table schema in storage order.
var Columns = []Column{
	{Name: "id", Offset: 0, Width: IDSize},
	{Name: "username", Offset: IDSize, Width: UsernameSize},
	{Name: "email", Offset: IDSize + UsernameSize, Width: EmailSize},
}

// Row is one table row.
type Row struct {
	ID       uint32
	Username string
	Email    string
}

func (r Row) String() string {
	return fmt.Sprintf("(%d, %s, %s)", r.ID, r.Username, r.Email)
}

// Validate reports whether r survives an Encode/Decode round trip unchanged.
func Validate(r Row) error {
	if err := checkText("username", r.Username, UsernameSize); err != nil {
		return err
	}
	return checkText("email", r.Email, EmailSize)
}

func checkText(column, v string, width int) error {
	if len(v) > width {
		return fmt.Errorf("%w: %s is %d bytes, max %d", ErrFieldTooLong, column, len(v), width)
	}
	if bytes.IndexByte([]byte(v), 0) >= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidField, column)
	}
	return nil
}

// Encode serializes r into a Size-byte buffer. Text columns are NUL padded
// and truncated to their width; call Validate first to reject such rows.
func Encode(r Row) []byte {
	buf := make([]byte, Size)
	EncodeInto(buf, r)
	return buf
}

// EncodeInto writes r into dst, which must be at least Size bytes.
func EncodeInto(dst []byte, r Row) {
	binary.LittleEndian.PutUint32(dst[Columns[0].Offset:], r.ID)
	putText(dst[Columns[1].Offset:Columns[1].Offset+Columns[1].Width], r.Username)
	putText(dst[Columns[2].Offset:Columns[2].Offset+Columns[2].Width], r.Email)
}

func putText(dst []byte, v string) {
	n := copy(dst, v)
	clear(dst[n:])
}

// Decode parses a Size-byte buffer produced by Encode.
func Decode(b []byte) (Row, error) {
	if len(b) != Size {
		return Row{}, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedRow, len(b), Size)
	}
	return Row{
		ID:       binary.LittleEndian.Uint32(b[Columns[0].Offset:]),
		Username: getText(b[Columns[1].Offset : Columns[1].Offset+Columns[1].Width]),
		Email:    getText(b[Columns[2].Offset : Columns[2].Offset+Columns[2].Width]),
	}, nil
}

func getText(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
