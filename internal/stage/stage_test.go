package stage_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vadd99/bootable-recovery/internal/stage"
)

func TestWriterPassthroughNoFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tar")

	f, err := os.Create(path)
	require.NoError(t, err)

	p, err := stage.BuildWriter(stage.Config{}, path, f)
	require.NoError(t, err)

	_, err = p.Writer().Write([]byte("payload"))
	require.NoError(t, err)

	require.NoError(t, p.Close())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "payload", string(body))
}

func TestWriterSingleFilterStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tar")

	f, err := os.Create(path)
	require.NoError(t, err)

	cfg := stage.Config{
		UseCompression: true,
		CompressCmd:    []string{"cat"},
	}

	p, err := stage.BuildWriter(cfg, path, f)
	require.NoError(t, err)

	_, err = p.Writer().Write([]byte("through cat"))
	require.NoError(t, err)
	closeEntry(t, p)

	require.NoError(t, p.Close())

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "through cat", string(body))
}

// closeEntry mimics archivefmt.Writer.Close(): the archive writer closes the
// pipeline's entry-point descriptor once it has written the end marker, which is
// what lets the filter stage see EOF and exit before Pipeline.Close() waits on it.
func closeEntry(t *testing.T, p *stage.Pipeline) {
	t.Helper()

	c, ok := p.Writer().(io.Closer)
	require.True(t, ok)
	require.NoError(t, c.Close())
}

func TestRoundTripThroughGzipFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tar.gz")

	f, err := os.Create(path)
	require.NoError(t, err)

	writeCfg := stage.Config{
		UseCompression: true,
		CompressCmd:    []string{"gzip"},
	}

	p, err := stage.BuildWriter(writeCfg, path, f)
	require.NoError(t, err)

	_, err = p.Writer().Write([]byte("round trip payload"))
	require.NoError(t, err)
	closeEntry(t, p)

	require.NoError(t, p.Close())

	src, err := os.Open(path)
	require.NoError(t, err)

	readCfg := stage.Config{
		UseCompression: true,
		DecompressCmd:  []string{"gzip", "-d", "-c"},
	}

	rp, err := stage.BuildReader(readCfg, src)
	require.NoError(t, err)

	out, err := io.ReadAll(rp.Reader())
	require.NoError(t, err)
	require.NoError(t, rp.Close())

	require.Equal(t, "round trip payload", string(out))
}

func TestBuildWriterFailsOnUnknownCompressCmd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tar")

	f, err := os.Create(path)
	require.NoError(t, err)

	cfg := stage.Config{
		UseCompression: true,
		CompressCmd:    []string{"no-such-binary-should-not-exist"},
	}

	_, err = stage.BuildWriter(cfg, path, f)
	require.Error(t, err)
}

func TestCloseReturnsEmptyArchiveErrorOnZeroBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tar")

	f, err := os.Create(path)
	require.NoError(t, err)

	p, err := stage.BuildWriter(stage.Config{}, path, f)
	require.NoError(t, err)

	err = p.Close()
	require.Error(t, err)
}

func TestConfigKindMapping(t *testing.T) {
	require.Equal(t, "UNCOMPRESSED", stage.Config{}.Kind().String())
	require.Equal(t, "COMPRESSED", stage.Config{UseCompression: true}.Kind().String())
	require.Equal(t, "ENCRYPTED", stage.Config{UseEncryption: true}.Kind().String())
	require.Equal(t, "COMPRESSED_ENCRYPTED", stage.Config{UseCompression: true, UseEncryption: true}.Kind().String())
}
