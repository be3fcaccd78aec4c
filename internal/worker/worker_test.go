package worker_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vadd99/bootable-recovery/internal/archivefmt"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/worker"
)

type recordingSink struct {
	deltas      []uint64
	completions int
}

func (s *recordingSink) SendFileCount(uint64)  {}
func (s *recordingSink) SendTotalSize(uint64)  {}
func (s *recordingSink) SendFileCompleted()    { s.completions++ }
func (s *recordingSink) SendDelta(n uint64)    { s.deltas = append(s.deltas, n) }

func buildTree(t *testing.T) (root string, entries []model.TarEntry) {
	t.Helper()

	root = t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "f1"), make([]byte, 1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "f2"), make([]byte, 1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "f3"), make([]byte, 2048), 0o644))

	for _, rel := range []string{"a", "a/f1", "a/f2", "b", "b/f3"} {
		entries = append(entries, model.TarEntry{Path: filepath.Join(root, rel), WorkerID: 0})
	}

	return root, entries
}

func TestWorkerSingleArchiveRoundTrip(t *testing.T) {
	root, entries := buildTree(t)
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	sink := &recordingSink{}

	w := &worker.Worker{
		ID:          0,
		Entries:     entries,
		RootDir:     root,
		ArchiveBase: archivePath,
		Sink:        sink,
	}

	require.NoError(t, w.Run(context.Background()))

	f, err := os.Open(archivePath)
	require.NoError(t, err)
	defer f.Close()

	dest := t.TempDir()
	r := archivefmt.OpenRead(f)
	require.NoError(t, r.ExtractAll(dest, nil))

	body, err := os.ReadFile(filepath.Join(dest, "a", "f1"))
	require.NoError(t, err)
	require.Len(t, body, 1024)

	require.ElementsMatch(t, []uint64{1024, 1024, 2048}, sink.deltas)
	require.Equal(t, 3, sink.completions)
}

func TestWorkerWithNoEntriesIsNoop(t *testing.T) {
	w := &worker.Worker{ID: 3, Entries: nil, ArchiveBase: filepath.Join(t.TempDir(), "never")}

	require.NoError(t, w.Run(context.Background()))

	_, err := os.Stat(w.ArchiveBase)
	require.Error(t, err)
}

// A 1500-byte split ceiling over the scenario tree produces three rotated
// archives: <base>000 (a/,a/f1), <base>001 (a/f2,b/), <base>002 (b/f3).
func TestWorkerSplitsArchivesAtCeiling(t *testing.T) {
	root, entries := buildTree(t)
	base := filepath.Join(t.TempDir(), "backup.tar")

	w := &worker.Worker{
		ID:           0,
		Entries:      entries,
		RootDir:      root,
		ArchiveBase:  base,
		SplitEnabled: true,
		SplitCeiling: 1500,
	}

	require.NoError(t, w.Run(context.Background()))

	_, err := os.Stat(base + "000")
	require.NoError(t, err)
	_, err = os.Stat(base + "001")
	require.NoError(t, err)
	_, err = os.Stat(base + "002")
	require.NoError(t, err)

	f0, err := os.Open(base + "000")
	require.NoError(t, err)
	defer f0.Close()
	r0 := archivefmt.OpenRead(f0)
	require.True(t, r0.Find("a/f1"))
}
