package coordinator

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/archivefmt"
	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/progress"
	"github.com/vadd99/bootable-recovery/internal/splitter"
	"github.com/vadd99/bootable-recovery/internal/stage"
)

var restoreLog = logging.Module("coordinator.restore")

const maxRestoreWorkerID = 8

// RunRestoreChild performs the whole restore run: single-file fast path if
// ArchiveBasePath names a plain file; otherwise family discovery starting at
// <base>000, worker 0 inline, ids 1..8 fanned out via errgroup, each stopping at the
// first missing file in its family.
func RunRestoreChild(ctx context.Context, job model.RestoreJob, sink progress.Sink) error {
	if info, err := os.Stat(job.ArchiveBasePath); err == nil && !info.IsDir() {
		return restoreOneArchive(ctx, job, job.ArchiveBasePath, sink)
	}

	first := splitter.ArchiveName(job.ArchiveBasePath, 0, 0)
	if _, err := os.Stat(first); err != nil {
		return errors.Wrapf(model.ErrIO, "no archive found at %q or %q", job.ArchiveBasePath, first)
	}

	if err := restoreFamily(ctx, job, 0, sink); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	for id := 1; id <= maxRestoreWorkerID; id++ {
		probe := splitter.ArchiveName(job.ArchiveBasePath, id, 0)
		if _, err := os.Stat(probe); err != nil {
			restoreLog.Debugw("family absent, stopping spawn loop", "id", id)
			break
		}

		id := id
		g.Go(func() error { return restoreFamily(gctx, job, id, sink) })
	}

	return g.Wait()
}

// restoreFamily walks <base><id>00, <base><id>01, ... extracting each archive in
// sequence until a sequence number is missing (the family is exhausted) or seq
// exceeds 99 (model.ErrTooManyArchives, mirroring the backup-side ceiling).
func restoreFamily(ctx context.Context, job model.RestoreJob, id int, sink progress.Sink) error {
	for seq := 0; seq <= 99; seq++ {
		select {
		case <-ctx.Done():
			return errors.Wrap(model.ErrAborted, ctx.Err().Error())
		default:
		}

		path := splitter.ArchiveName(job.ArchiveBasePath, id, seq)

		if _, err := os.Stat(path); err != nil {
			return nil
		}

		if err := restoreOneArchive(ctx, job, path, sink); err != nil {
			return err
		}
	}

	return errors.Wrapf(model.ErrTooManyArchives, "family %d", id)
}

func restoreOneArchive(ctx context.Context, job model.RestoreJob, path string, sink progress.Sink) error {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return errors.Wrapf(model.ErrIO, "open %q: %v", path, err)
	}

	cfg := stage.Config{
		UseCompression: len(job.CompressCmd) > 0,
		DecompressCmd:  job.CompressCmd,
		UseEncryption:  len(job.EncryptCmd) > 0,
		DecryptCmd:     job.EncryptCmd,
	}

	rp, err := stage.BuildReader(cfg, f)
	if err != nil {
		return err
	}

	r := archivefmt.OpenRead(rp.Reader())

	if err := r.ExtractAll(job.DestDir, sink); err != nil {
		_ = rp.Close()
		return err
	}

	if err := rp.Close(); err != nil {
		if cfg.UseEncryption {
			return errors.Wrap(model.ErrDecryptFailed, err.Error())
		}

		return err
	}

	return nil
}
