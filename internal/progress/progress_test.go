package progress_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vadd99/bootable-recovery/internal/progress"
)

// FileCount=3, TotalSize=4096, then three positive deltas summing to 4096 and
// three zero (FileCompleted) markers.
func TestProtocolRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	sink := progress.NewPipeSink(&buf)
	sink.SendFileCount(3)
	sink.SendTotalSize(4096)
	sink.SendDelta(1024)
	sink.SendFileCompleted()
	sink.SendDelta(1024)
	sink.SendFileCompleted()
	sink.SendDelta(2048)
	sink.SendFileCompleted()

	r := progress.NewReader(&buf, true)

	var kinds []progress.EventKind
	var deltaSum uint64
	var fileCount, totalSize uint64
	var completions int

	err := progress.Drain(r, func(ev progress.Event) {
		kinds = append(kinds, ev.Kind)

		switch ev.Kind {
		case progress.EventFileCount:
			fileCount = ev.Value
		case progress.EventTotalSize:
			totalSize = ev.Value
		case progress.EventDelta:
			deltaSum += ev.Value
		case progress.EventFileCompleted:
			completions++
		}
	})
	require.NoError(t, err)

	require.Equal(t, uint64(3), fileCount)
	require.Equal(t, uint64(4096), totalSize)
	require.Equal(t, uint64(4096), deltaSum)
	require.Equal(t, 3, completions)
	require.Equal(t, progress.EventFileCount, kinds[0])
	require.Equal(t, progress.EventTotalSize, kinds[1])
}

func TestRestoreReaderHasNoHeader(t *testing.T) {
	var buf bytes.Buffer

	sink := progress.NewPipeSink(&buf)
	sink.SendDelta(512)
	sink.SendDelta(256)

	r := progress.NewReader(&buf, false)

	ev, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, progress.EventDelta, ev.Kind)
	require.Equal(t, uint64(512), ev.Value)

	ev, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(256), ev.Value)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}
