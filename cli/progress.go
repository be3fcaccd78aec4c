package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/vadd99/bootable-recovery/internal/progress"
)

// textProgress is the default progress renderer: a single overwritten line of
// "files done/total, bytes done/total" fed from the coordinator's onProgress
// callback. When stdout is not a terminal it writes the same carriage-return
// lines, only without color.
type textProgress struct {
	w      io.Writer
	color  bool
	totalF uint64
	byteN  uint64
	totalB uint64
	done   uint64
	last   time.Time
}

func newTextProgress(w io.Writer, color bool) *textProgress {
	return &textProgress{w: w, color: color}
}

// onEvent is passed straight to coordinator.RunBackup/RunRestore as the
// onProgress callback.
func (p *textProgress) onEvent(ev progress.Event) {
	switch ev.Kind {
	case progress.EventFileCount:
		p.totalF = ev.Value
	case progress.EventTotalSize:
		p.totalB = ev.Value
	case progress.EventDelta:
		p.byteN += ev.Value
	case progress.EventFileCompleted:
		p.done++
	}

	// Throttle other events to at most one redraw every 100ms so a flood of
	// small-file deltas doesn't spend more time printing than copying;
	// FileCompleted events always redraw.
	now := time.Now()
	if !p.last.IsZero() && now.Sub(p.last) < 100*time.Millisecond && ev.Kind != progress.EventFileCompleted {
		return
	}
	p.last = now

	p.render()
}

func (p *textProgress) render() {
	line := fmt.Sprintf("\r%d/%d files, %s/%s", p.done, p.totalF, humanBytes(p.byteN), humanBytes(p.totalB))

	if p.color {
		noteColor.Fprint(p.w, line) //nolint:errcheck
		return
	}

	fmt.Fprint(p.w, line) //nolint:errcheck
}

// finish writes the trailing newline once the run has completed, so the next
// line of output (an error or the shell prompt) doesn't collide with the
// progress line.
func (p *textProgress) finish() {
	fmt.Fprintln(p.w) //nolint:errcheck
}

func humanBytes(n uint64) string {
	const unit = 1024

	if n < unit {
		return fmt.Sprintf("%dB", n)
	}

	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
