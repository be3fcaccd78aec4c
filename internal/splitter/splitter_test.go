package splitter_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vadd99/bootable-recovery/internal/splitter"
	"github.com/vadd99/bootable-recovery/internal/stage"
)

// tree {a/f1 1KiB, a/f2 1KiB, b/f3 2KiB}, splitCeiling=1500 -> <base>000 holds
// a/,a/f1; <base>001 holds a/f2 and, since BeforeAppend is never consulted for
// directories, whatever directory is visited next (b/) too; <base>002 holds
// only b/f3. A directory always lands in whatever archive happens to be open
// at the moment it is visited — there is no lookahead to the file that follows it.
func TestSplitRotationMatchesScenario(t *testing.T) {
	var opened []int

	open := func(seq int) (*stage.Pipeline, error) {
		opened = append(opened, seq)
		return &stage.Pipeline{}, nil
	}

	s := splitter.New(1500, true, open)

	var archive000, archive001, archive002 []string
	cur := &archive000

	// a/ — directory, never calls BeforeAppend.
	*cur = append(*cur, "a")

	// a/f1 — 1024 bytes, fits under the ceiling in archive 000.
	p, rotated, err := s.BeforeAppend(1024)
	require.NoError(t, err)
	require.False(t, rotated)
	require.Nil(t, p)
	*cur = append(*cur, "a/f1")

	// a/f2 — 1024 bytes; 1024+1024 > 1500 rotates to archive 001.
	p, rotated, err = s.BeforeAppend(1024)
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotNil(t, p)
	cur = &archive001
	*cur = append(*cur, "a/f2")

	// b/ — directory.
	*cur = append(*cur, "b")

	// b/f3 — 2048 bytes; 1024+2048 > 1500 rotates to archive 002.
	p, rotated, err = s.BeforeAppend(2048)
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotNil(t, p)
	cur = &archive002
	*cur = append(*cur, "b/f3")

	require.Equal(t, []string{"a", "a/f1"}, archive000)
	require.Equal(t, []string{"a/f2", "b"}, archive001)
	require.Equal(t, []string{"b/f3"}, archive002)
	require.Equal(t, []int{1, 2}, opened)
	require.Equal(t, 2, s.Seq())
}

func TestDisabledSplitterNeverRotates(t *testing.T) {
	s := splitter.New(100, false, func(seq int) (*stage.Pipeline, error) {
		t.Fatal("open should never be called when splitting is disabled")
		return nil, nil
	})

	for i := 0; i < 10; i++ {
		_, rotated, err := s.BeforeAppend(1000)
		require.NoError(t, err)
		require.False(t, rotated)
	}
}

func TestTooManyArchivesBeyondSeq99(t *testing.T) {
	s := splitter.New(1, true, func(seq int) (*stage.Pipeline, error) {
		return nil, nil
	})

	var err error

	for i := 0; i < 101; i++ {
		_, _, err = s.BeforeAppend(2)
		if err != nil {
			break
		}
	}

	require.Error(t, err)
}

func TestArchiveNameFormat(t *testing.T) {
	require.Equal(t, "backup.tar000", splitter.ArchiveName("backup.tar", 0, 0))
	require.Equal(t, "backup.tar199", splitter.ArchiveName("backup.tar", 1, 99))
	require.Equal(t, fmt.Sprintf("base%d%02d", 8, 7), splitter.ArchiveName("base", 8, 7))
}
