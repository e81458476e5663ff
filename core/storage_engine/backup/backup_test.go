package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestCopyFile_CopiesAndDigests(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	data := bytes.Repeat([]byte("gojotable"), chunkSize/4)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	dst := filepath.Join(dir, "dst.db")
	res, err := CopyFile(context.Background(), src, dst, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), res.Bytes)

	want := blake3.Sum256(data)
	require.Equal(t, want[:], res.Digest)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCopyFile_RefusesExistingDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("keep"), 0o644))

	_, err := CopyFile(context.Background(), src, dst, 0)
	require.ErrorIs(t, err, ErrDestinationExists)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, "keep", string(got))
}

func TestCopyFile_CanceledRemovesPartialCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	require.NoError(t, os.WriteFile(src, make([]byte, 4096), 0o644))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dst := filepath.Join(dir, "dst.db")
	_, err := CopyFile(ctx, src, dst, 1<<20)
	require.ErrorIs(t, err, context.Canceled)
	require.NoFileExists(t, dst)
}
