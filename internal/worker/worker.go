// Package worker implements the per-worker-id driver: walk one worker's slice of
// a TarList through StageBuilder and the Splitter, appending entries to the
// active archive and reporting progress.
package worker

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/archivefmt"
	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/progress"
	"github.com/vadd99/bootable-recovery/internal/splitter"
	"github.com/vadd99/bootable-recovery/internal/stage"
)

var log = logging.Module("worker")

// Worker drives a single worker id's assigned entries to completion.
type Worker struct {
	ID      int
	Entries []model.TarEntry

	RootDir     string
	ArchiveBase string

	StageConfig stage.Config
	SplitCeiling uint64
	SplitEnabled bool

	Sink progress.Sink
}

// Run opens the worker's first archive, appends every assigned entry in list
// order (rotating archives as the Splitter demands), and tears the active
// pipeline down on completion or on the first error.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.Entries) == 0 {
		return nil
	}

	var (
		pipeline *stage.Pipeline
		aw       *archivefmt.Writer
	)

	openSeq := func(seq int) (*stage.Pipeline, error) {
		if aw != nil {
			if err := aw.AppendEndMarker(); err != nil {
				return nil, err
			}

			if err := aw.Close(); err != nil {
				return nil, err
			}

			if err := pipeline.Close(); err != nil {
				return nil, err
			}
		}

		path := w.archiveName(seq)

		f, err := os.Create(path) //nolint:gosec
		if err != nil {
			return nil, errors.Wrapf(model.ErrIO, "create %q: %v", path, err)
		}

		p, err := stage.BuildWriter(w.StageConfig, path, f)
		if err != nil {
			return nil, err
		}

		pipeline = p
		aw = archivefmt.OpenWrite(p.Writer())

		return p, nil
	}

	if _, err := openSeq(0); err != nil {
		return err
	}

	split := splitter.New(w.SplitCeiling, w.SplitEnabled, openSeq)

	abort := func() {
		if aw != nil {
			_ = aw.Close()
		}

		if pipeline != nil {
			pipeline.Abort()
		}
	}

	for _, e := range w.Entries {
		select {
		case <-ctx.Done():
			abort()
			return errors.Wrap(model.ErrAborted, ctx.Err().Error())
		default:
		}

		info, err := os.Lstat(e.Path)
		if err != nil {
			abort()
			return errors.Wrapf(model.ErrIO, "lstat %q: %v", e.Path, err)
		}

		archivePath := w.archivePathFor(e.Path)

		if info.Mode().IsRegular() {
			// openSeq mutates pipeline/aw directly when it rotates, so the returned
			// Pipeline here is only a rotated/not-rotated signal.
			if _, _, err := split.BeforeAppend(uint64(info.Size())); err != nil {
				abort()
				return err
			}
		}

		if err := aw.AppendFile(e.Path, archivePath, info); err != nil {
			abort()
			return err
		}

		if info.Mode().IsRegular() {
			if w.Sink != nil {
				w.Sink.SendDelta(uint64(info.Size()))
				w.Sink.SendFileCompleted()
			}
		}
	}

	if err := aw.AppendEndMarker(); err != nil {
		abort()
		return err
	}

	if err := aw.Close(); err != nil {
		pipeline.Abort()
		return err
	}

	if err := pipeline.Close(); err != nil {
		return err
	}

	log.Debugw("worker finished", "id", w.ID, "entries", len(w.Entries), "archives", split.Seq()+1)

	return nil
}

func (w *Worker) archiveName(seq int) string {
	if !w.SplitEnabled {
		return w.ArchiveBase
	}

	return splitter.ArchiveName(w.ArchiveBase, w.ID, seq)
}

// archivePathFor names absPath's stored entry relative to the worker's source root
// rather than assuming the root itself sits at a single-segment device mountpoint
// (the original's Strip_Root_Dir drops exactly one leading path component, which
// happens to coincide with this for a root like "/data" but is wrong in general).
func (w *Worker) archivePathFor(absPath string) string {
	rel, err := filepath.Rel(w.RootDir, absPath)
	if err != nil {
		return archivefmt.StripRootDir(absPath)
	}

	return filepath.ToSlash(rel)
}
