package archivefmt_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vadd99/bootable-recovery/internal/archivefmt"
)

func TestRoundTripFilesDirsSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "f.txt"), []byte("hello world"), 0o640))
	require.NoError(t, os.Symlink("f.txt", filepath.Join(root, "sub", "link")))

	var buf bytes.Buffer

	w := archivefmt.OpenWrite(&buf)

	for _, rel := range []string{"sub", "sub/f.txt", "sub/link"} {
		abs := filepath.Join(root, rel)

		info, err := os.Lstat(abs)
		require.NoError(t, err)

		require.NoError(t, w.AppendFile(abs, rel, info))
	}

	require.NoError(t, w.AppendEndMarker())
	require.NoError(t, w.Close())

	dest := t.TempDir()
	r := archivefmt.OpenRead(bytes.NewReader(buf.Bytes()))
	require.NoError(t, r.ExtractAll(dest, nil))

	body, err := os.ReadFile(filepath.Join(dest, "sub", "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))

	link, err := os.Readlink(filepath.Join(dest, "sub", "link"))
	require.NoError(t, err)
	require.Equal(t, "f.txt", link)

	info, err := os.Stat(filepath.Join(dest, "sub"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestExtractAllReportsDeltasForRegularFilesOnly(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a"), make([]byte, 100), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))

	var buf bytes.Buffer

	w := archivefmt.OpenWrite(&buf)

	aInfo, err := os.Lstat(filepath.Join(root, "a"))
	require.NoError(t, err)
	require.NoError(t, w.AppendFile(filepath.Join(root, "a"), "a", aInfo))

	dInfo, err := os.Lstat(filepath.Join(root, "d"))
	require.NoError(t, err)
	require.NoError(t, w.AppendFile(filepath.Join(root, "d"), "d", dInfo))

	require.NoError(t, w.AppendEndMarker())
	require.NoError(t, w.Close())

	var deltas []uint64
	sink := &recordingSink{onDelta: func(n uint64) { deltas = append(deltas, n) }}

	dest := t.TempDir()
	r := archivefmt.OpenRead(bytes.NewReader(buf.Bytes()))
	require.NoError(t, r.ExtractAll(dest, sink))

	require.Equal(t, []uint64{100}, deltas)
}

func TestTruncateTrailingEndMarkerIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.tar")

	f, err := os.Create(path)
	require.NoError(t, err)

	w := archivefmt.OpenWrite(f)

	tmpFile := filepath.Join(t.TempDir(), "x")
	require.NoError(t, os.WriteFile(tmpFile, []byte("payload"), 0o644))

	info, err := os.Lstat(tmpFile)
	require.NoError(t, err)
	require.NoError(t, w.AppendFile(tmpFile, "x", info))
	require.NoError(t, w.AppendEndMarker())
	require.NoError(t, f.Close())

	require.NoError(t, archivefmt.TruncateTrailingEndMarker(path))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, archivefmt.TruncateTrailingEndMarker(path))

	second, err := os.ReadFile(path)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestDetectKindDistinguishesGzipMagic(t *testing.T) {
	plain := filepath.Join(t.TempDir(), "p.tar")
	require.NoError(t, os.WriteFile(plain, []byte("not gzip"), 0o644))

	kind, err := archivefmt.DetectKind(plain)
	require.NoError(t, err)
	require.Equal(t, "UNCOMPRESSED", kind.String())

	gz := filepath.Join(t.TempDir(), "p.tar.gz")
	require.NoError(t, os.WriteFile(gz, []byte{0x1f, 0x8b, 0x08, 0x00}, 0o644))

	kind, err = archivefmt.DetectKind(gz)
	require.NoError(t, err)
	require.Equal(t, "COMPRESSED", kind.String())
}

type recordingSink struct {
	onDelta func(uint64)
}

func (s *recordingSink) SendFileCount(uint64)    {}
func (s *recordingSink) SendTotalSize(uint64)    {}
func (s *recordingSink) SendFileCompleted()      {}
func (s *recordingSink) SendDelta(n uint64) {
	if s.onDelta != nil {
		s.onDelta(n)
	}
}
