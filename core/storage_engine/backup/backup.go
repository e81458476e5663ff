// Package backup copies tablespace files with an optional throughput cap.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

// chunkSize is the size of each read/write chunk.
const chunkSize = 1 << 20

var ErrDestinationExists = errors.New("backup destination already exists")

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// Result describes a finished copy.
type Result struct {
	Bytes  int64
	Digest []byte
}

// CopyFile copies srcPath to dstPath, which must not exist. bytesPerSec caps
// throughput; zero or less means unlimited. The destination is synced before
// returning and removed again if the copy fails.
func CopyFile(ctx context.Context, srcPath, dstPath string, bytesPerSec int64) (res Result, err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return res, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return res, fmt.Errorf("%w: %s", ErrDestinationExists, dstPath)
		}
		return res, fmt.Errorf("open dst: %w", err)
	}
	defer func() {
		if cerr := dst.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close dst: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(dstPath)
		}
	}()

	var limiter *rate.Limiter
	if bytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), chunkSize)
	}
	sum := blake3.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	for {
		n, rerr := src.ReadAt(buf, res.Bytes)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return res, fmt.Errorf("rate limiter: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return res, err
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return res, fmt.Errorf("write: %w", err)
			}
			_, _ = sum.Write(buf[:n])
			res.Bytes += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return res, fmt.Errorf("read: %w", rerr)
		}
	}

	if err := dst.Sync(); err != nil {
		return res, fmt.Errorf("sync: %w", err)
	}
	res.Digest = sum.Sum(nil)
	return res, nil
}
