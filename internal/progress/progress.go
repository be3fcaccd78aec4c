// Package progress implements the fixed-width wire format on the parent/child
// pipe, plus the Sink interface that decouples the worker/archive code from
// however the pipe is actually wired up.
package progress

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/model"
)

// Sink receives progress events as a backup or restore child produces them. The
// first two events a backup child sends MUST be SendFileCount then SendTotalSize;
// everything after is SendDelta (positive byte counts) interleaved with
// SendFileCompleted (one per finished regular file). Restore children only ever
// call SendDelta.
type Sink interface {
	SendFileCount(n uint64)
	SendTotalSize(bytes uint64)
	SendDelta(bytes uint64)
	SendFileCompleted()
}

// PipeSink writes the wire protocol to an io.Writer (the pipe's write end). Writes
// are exactly 8 bytes each, at or under PIPE_BUF, so POSIX guarantees atomicity
// when multiple workers share one pipe write end concurrently — PipeSink itself
// does no additional locking.
type PipeSink struct {
	w io.Writer
}

// NewPipeSink wraps w (typically the write end of an os.Pipe shared by every
// worker goroutine) as a Sink.
func NewPipeSink(w io.Writer) *PipeSink {
	return &PipeSink{w: w}
}

func (s *PipeSink) send(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = s.w.Write(buf[:]) // a failed progress write must never abort the backup
}

func (s *PipeSink) SendFileCount(n uint64)    { s.send(n) }
func (s *PipeSink) SendTotalSize(bytes uint64) { s.send(bytes) }
func (s *PipeSink) SendDelta(bytes uint64) {
	if bytes == 0 {
		// A zero-valued delta is reserved for the FileCompleted marker; a
		// genuinely zero-byte file's delta is dropped to avoid colliding with it.
		return
	}

	s.send(bytes)
}
func (s *PipeSink) SendFileCompleted() { s.send(0) }

// Event is one decoded message from the parent side of the pipe.
type Event struct {
	Kind  EventKind
	Value uint64 // file count for FileCount, byte count for TotalSize/Delta; unused for FileCompleted
}

type EventKind int

const (
	EventFileCount EventKind = iota
	EventTotalSize
	EventDelta
	EventFileCompleted
)

// Reader decodes the wire protocol back into the four event kinds, tracking
// whether it has already seen the mandatory leading FileCount/TotalSize pair.
type Reader struct {
	r        io.Reader
	seenHead int
}

// NewReader wraps r (the read end of the pipe) as a Reader. Restore children never
// send the FileCount/TotalSize header, so the reader is told up front whether to
// expect one.
func NewReader(r io.Reader, expectHeader bool) *Reader {
	rd := &Reader{r: r}
	if !expectHeader {
		rd.seenHead = 2
	}

	return rd
}

// Next decodes the next event, or returns io.EOF once every writer has closed its
// end of the pipe.
func (r *Reader) Next() (Event, error) {
	var buf [8]byte

	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Event{}, io.EOF
		}

		return Event{}, errors.Wrap(model.ErrIO, err.Error())
	}

	v := binary.LittleEndian.Uint64(buf[:])

	if r.seenHead == 0 {
		r.seenHead = 1
		return Event{Kind: EventFileCount, Value: v}, nil
	}

	if r.seenHead == 1 {
		r.seenHead = 2
		return Event{Kind: EventTotalSize, Value: v}, nil
	}

	if v == 0 {
		return Event{Kind: EventFileCompleted}, nil
	}

	return Event{Kind: EventDelta, Value: v}, nil
}

// Drain reads every remaining event from r, invoking fn for each, until EOF.
func Drain(r *Reader, fn func(Event)) error {
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		fn(ev)
	}
}
