// Package splitter enforces a maximum per-archive uncompressed size within one
// worker by rotating to a new archive file (and a fresh stage.Pipeline) whenever
// the ceiling would be exceeded.
package splitter

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/stage"
)

var log = logging.Module("splitter")

const maxSeq = 99

// OpenArchiveFunc opens (or reopens) the archive at sequence number seq, returning
// a fresh byte pipeline to append into.
type OpenArchiveFunc func(seq int) (*stage.Pipeline, error)

// Splitter tracks one worker's accumulated uncompressed bytes in the current
// archive file and its current sequence number.
type Splitter struct {
	ceiling uint64
	enabled bool

	current uint64
	seq     int

	open OpenArchiveFunc
}

// New builds a Splitter. When enabled is false, BeforeAppend always reports no
// rotation and the caller is expected to have opened a single archive named
// verbatim (no sequence suffix).
func New(ceiling uint64, enabled bool, open OpenArchiveFunc) *Splitter {
	return &Splitter{ceiling: ceiling, enabled: enabled, open: open}
}

// Seq reports the current archive sequence number.
func (s *Splitter) Seq() int { return s.seq }

// BeforeAppend is called before appending a regular file of size bytes. If
// splitting is enabled, the ceiling is non-zero, the current archive already
// holds at least one file and current+size would exceed the ceiling, the caller's
// open archive is rotated: the returned Pipeline replaces the caller's active
// pipeline and rotated is true. Directories and symlinks MUST NOT call this —
// they never count toward the ceiling and never trigger rotation.
func (s *Splitter) BeforeAppend(size uint64) (newPipeline *stage.Pipeline, rotated bool, err error) {
	if !s.enabled {
		return nil, false, nil
	}

	if s.ceiling > 0 && s.current > 0 && s.current+size > s.ceiling {
		s.seq++
		if s.seq > maxSeq {
			return nil, false, errors.Wrapf(model.ErrTooManyArchives, "sequence %d", s.seq)
		}

		p, err := s.open(s.seq)
		if err != nil {
			return nil, false, err
		}

		log.Debugw("rotated archive", "seq", s.seq)

		s.current = size

		return p, true, nil
	}

	s.current += size

	return nil, false, nil
}

// ArchiveName formats the archive filename for one (workerID, seq) pair:
// "<base><workerId><seq:02d>".
func ArchiveName(base string, workerID, seq int) string {
	return fmt.Sprintf("%s%d%02d", base, workerID, seq)
}
