package tablespace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Tablespace owns the file holding one table: a header in page 0 followed by
// fixed-size pages. It performs raw page I/O only; caching belongs to the pager
// and structural validation belongs to the B-tree.
type Tablespace struct {
	path   string
	file   *os.File
	header Header
	mu     sync.Mutex
	logger *zap.Logger
}

// Create makes a new tablespace file with an empty header page. It fails with
// ErrFileExists rather than truncating an existing table.
func Create(path string, pageSize int, logger *zap.Logger) (*Tablespace, error) {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return nil, fmt.Errorf("%w: %d", ErrBadPageSize, pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
		}
		return nil, fmt.Errorf("%w: creating %s: %v", ErrIO, path, err)
	}
	ts := &Tablespace{
		path: path,
		file: file,
		header: Header{
			PageSize:  uint32(pageSize),
			PageCount: 1,
			Root:      InvalidPageNumber,
			Magic:     Magic,
			Version:   FormatVersion,
		},
		logger: logger,
	}
	if _, err := file.WriteAt(make([]byte, pageSize), 0); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: writing header page: %v", ErrIO, err)
	}
	if err := ts.writeHeaderLocked(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: syncing new tablespace: %v", ErrIO, err)
	}
	logger.Info("created tablespace", zap.String("path", path), zap.Int("page_size", pageSize))
	return ts, nil
}

// Open reads and validates the header of an existing tablespace file.
func Open(path string, logger *zap.Logger) (*Tablespace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	ts := &Tablespace{path: path, file: file, logger: logger}

	buf := make([]byte, headerSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: reading header of %s: %v", ErrIO, path, err)
	}
	ts.header = decodeHeader(buf)
	if ts.header.Magic != Magic {
		_ = file.Close()
		return nil, fmt.Errorf("%w: got 0x%x in %s", ErrBadMagic, ts.header.Magic, path)
	}
	if ts.header.Version != FormatVersion {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s is v%d, this build reads v%d", ErrBadVersion, path, ts.header.Version, FormatVersion)
	}
	if ts.header.PageSize < MinPageSize || ts.header.PageSize > MaxPageSize {
		_ = file.Close()
		return nil, fmt.Errorf("%w: header says %d", ErrBadPageSize, ts.header.PageSize)
	}

	// A crash between AppendPage and the header write leaves trailing pages the
	// header does not know about. Trust the file length.
	fi, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, path, err)
	}
	if onDisk := uint32(fi.Size() / int64(ts.header.PageSize)); onDisk > ts.header.PageCount {
		logger.Warn("tablespace has pages beyond header page count",
			zap.Uint32("header_pages", ts.header.PageCount), zap.Uint32("file_pages", onDisk))
		ts.header.PageCount = onDisk
	}
	logger.Info("opened tablespace",
		zap.String("path", path),
		zap.Uint32("page_size", ts.header.PageSize),
		zap.Uint32("page_count", ts.header.PageCount),
		zap.Uint32("root", uint32(ts.header.Root)))
	return ts, nil
}

// Path returns the file path backing this tablespace.
func (ts *Tablespace) Path() string { return ts.path }

// PageSize returns the fixed page size in bytes.
func (ts *Tablespace) PageSize() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return int(ts.header.PageSize)
}

// PageCount returns the number of pages, header page included.
func (ts *Tablespace) PageCount() uint32 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.header.PageCount
}

// ReadHeader returns a copy of the current header.
func (ts *Tablespace) ReadHeader() Header {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.header
}

// WriteHeader replaces the mutable header fields and persists page 0.
// Page size, page count, magic and version are owned by the tablespace and
// ignored.
func (ts *Tablespace) WriteHeader(h Header) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.header.Root = h.Root
	ts.header.KeySize = h.KeySize
	ts.header.ValueSize = h.ValueSize
	ts.header.LeafCap = h.LeafCap
	ts.header.InternalCap = h.InternalCap
	return ts.writeHeaderLocked()
}

// Root returns the current root page number.
func (ts *Tablespace) Root() PageNumber {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.header.Root
}

// SetRoot records a new root page. This is the only way the tree's entry point
// moves, so it is serialised on the header mutex.
func (ts *Tablespace) SetRoot(root PageNumber) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	old := ts.header.Root
	ts.header.Root = root
	if err := ts.writeHeaderLocked(); err != nil {
		ts.header.Root = old
		return err
	}
	ts.logger.Debug("root changed", zap.Uint32("old", uint32(old)), zap.Uint32("new", uint32(root)))
	return nil
}

// ReadPage returns a copy of page n.
func (ts *Tablespace) ReadPage(n PageNumber) ([]byte, error) {
	ts.mu.Lock()
	pageSize := int(ts.header.PageSize)
	ts.mu.Unlock()
	buf := make([]byte, pageSize)
	if err := ts.ReadPageInto(n, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadPageInto reads page n into buf, which must be exactly one page long.
func (ts *Tablespace) ReadPageInto(n PageNumber, buf []byte) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if err := ts.checkLocked(n, len(buf)); err != nil {
		return err
	}
	offset := int64(n) * int64(ts.header.PageSize)
	read, err := ts.file.ReadAt(buf, offset)
	if err != nil && !(errors.Is(err, io.EOF) && read == len(buf)) {
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, n, offset, err)
	}
	return nil
}

// WritePage overwrites page n. It does not sync; see Sync.
func (ts *Tablespace) WritePage(n PageNumber, data []byte) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if n == HeaderPageNumber {
		return fmt.Errorf("%w: page 0 is the header", ErrPageOutOfRange)
	}
	if err := ts.checkLocked(n, len(data)); err != nil {
		return err
	}
	offset := int64(n) * int64(ts.header.PageSize)
	if _, err := ts.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, n, offset, err)
	}
	return nil
}

// AppendPage extends the file by one page holding data (zeroes when nil) and
// returns the new page's number.
func (ts *Tablespace) AppendPage(data []byte) (PageNumber, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.file == nil {
		return InvalidPageNumber, ErrClosed
	}
	pageSize := int(ts.header.PageSize)
	if data == nil {
		data = make([]byte, pageSize)
	}
	if len(data) != pageSize {
		return InvalidPageNumber, fmt.Errorf("%w: append buffer is %d bytes, page size is %d", ErrIO, len(data), pageSize)
	}
	n := PageNumber(ts.header.PageCount)
	offset := int64(n) * int64(pageSize)
	if _, err := ts.file.WriteAt(data, offset); err != nil {
		return InvalidPageNumber, fmt.Errorf("%w: extending file for page %d: %v", ErrIO, n, err)
	}
	ts.header.PageCount++
	if err := ts.writeHeaderLocked(); err != nil {
		ts.header.PageCount--
		return InvalidPageNumber, err
	}
	return n, nil
}

// Sync flushes the file to stable storage.
func (ts *Tablespace) Sync() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.file == nil {
		return ErrClosed
	}
	if err := ts.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %v", ErrIO, ts.path, err)
	}
	return nil
}

// Close syncs and releases the file handle. Closing twice is a no-op.
func (ts *Tablespace) Close() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.file == nil {
		return nil
	}
	syncErr := ts.file.Sync()
	closeErr := ts.file.Close()
	ts.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: sync on close: %v", ErrIO, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close: %v", ErrIO, closeErr)
	}
	ts.logger.Info("closed tablespace", zap.String("path", ts.path))
	return nil
}

func (ts *Tablespace) checkLocked(n PageNumber, bufLen int) error {
	if ts.file == nil {
		return ErrClosed
	}
	if bufLen != int(ts.header.PageSize) {
		return fmt.Errorf("%w: buffer is %d bytes, page size is %d", ErrIO, bufLen, ts.header.PageSize)
	}
	if uint32(n) >= ts.header.PageCount {
		return fmt.Errorf("%w: page %d, page count %d", ErrPageOutOfRange, n, ts.header.PageCount)
	}
	return nil
}

func (ts *Tablespace) writeHeaderLocked() error {
	if ts.file == nil {
		return ErrClosed
	}
	if _, err := ts.file.WriteAt(encodeHeader(ts.header), 0); err != nil {
		return fmt.Errorf("%w: writing header: %v", ErrIO, err)
	}
	return nil
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[headerPageSizeOffset:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[headerPageCountOffset:], h.PageCount)
	binary.LittleEndian.PutUint32(buf[headerRootOffset:], uint32(h.Root))
	binary.LittleEndian.PutUint32(buf[headerMagicOffset:], h.Magic)
	binary.LittleEndian.PutUint32(buf[headerVersionOffset:], h.Version)
	binary.LittleEndian.PutUint16(buf[headerKeySizeOffset:], h.KeySize)
	binary.LittleEndian.PutUint16(buf[headerValueSizeOffset:], h.ValueSize)
	binary.LittleEndian.PutUint16(buf[headerLeafCapOffset:], h.LeafCap)
	binary.LittleEndian.PutUint16(buf[headerInternalCapOffset:], h.InternalCap)
	return buf
}

func decodeHeader(buf []byte) Header {
	return Header{
		PageSize:    binary.LittleEndian.Uint32(buf[headerPageSizeOffset:]),
		PageCount:   binary.LittleEndian.Uint32(buf[headerPageCountOffset:]),
		Root:        PageNumber(binary.LittleEndian.Uint32(buf[headerRootOffset:])),
		Magic:       binary.LittleEndian.Uint32(buf[headerMagicOffset:]),
		Version:     binary.LittleEndian.Uint32(buf[headerVersionOffset:]),
		KeySize:     binary.LittleEndian.Uint16(buf[headerKeySizeOffset:]),
		ValueSize:   binary.LittleEndian.Uint16(buf[headerValueSizeOffset:]),
		LeafCap:     binary.LittleEndian.Uint16(buf[headerLeafCapOffset:]),
		InternalCap: binary.LittleEndian.Uint16(buf[headerInternalCapOffset:]),
	}
}
