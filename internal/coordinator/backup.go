package coordinator

import (
	"context"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/vadd99/bootable-recovery/internal/exclude"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/partition"
	"github.com/vadd99/bootable-recovery/internal/progress"
	"github.com/vadd99/bootable-recovery/internal/stage"
	"github.com/vadd99/bootable-recovery/internal/worker"
)

const maxCores = 8

// coreCount mirrors the source's sysconf(_SC_NPROCESSORS_CONF) capped at 8.
func coreCount() int {
	n := runtime.NumCPU()
	if n > maxCores {
		n = maxCores
	}

	return n
}

// RunBackupChild performs the whole backup run: partition, spawn one goroutine per
// non-empty worker id, fan out via errgroup. This is the "inner child" side of the
// two-level isolation — the process boundary itself lives in reexec.go; this
// function is also the seam tests call directly, in-process.
func RunBackupChild(ctx context.Context, job model.BackupJob, sink progress.Sink) error {
	pred := job.Exclude
	if pred == nil {
		pred = exclude.None()
	}

	var (
		list         *model.TarList
		err          error
		splitEnabled bool
	)

	if job.UseEncryption {
		list, err = partition.BuildEncrypted(ctx, job.SourceDir, pred, job.UserdataEncryption, coreCount())
		// The encrypted path always respects the split ceiling per worker, regardless
		// of total size — see DESIGN.md's resolution of the encrypted-splitting
		// open question.
		splitEnabled = true
	} else {
		list, err = partition.BuildUnencrypted(ctx, job.SourceDir, pred, 0)
		splitEnabled = job.ArchiveSplitCeiling > 0 && job.TotalSizeHint > job.ArchiveSplitCeiling
	}

	if err != nil {
		return err
	}

	sink.SendFileCount(countRegularFiles(list))
	sink.SendTotalSize(job.TotalSizeHint)

	stageCfg := stage.Config{
		UseCompression: job.UseCompression,
		UseEncryption:  job.UseEncryption,
		CompressCmd:    job.CompressCmd,
		EncryptCmd:     job.EncryptCmd,
	}

	ids := list.WorkerIDs()

	g, gctx := errgroup.WithContext(ctx)

	for _, id := range ids {
		w := &worker.Worker{
			ID:           id,
			Entries:      list.Slice(id),
			RootDir:      job.SourceDir,
			ArchiveBase:  job.ArchiveBasePath,
			StageConfig:  stageCfg,
			SplitCeiling: job.ArchiveSplitCeiling,
			SplitEnabled: splitEnabled,
			Sink:         sink,
		}

		g.Go(func() error { return w.Run(gctx) })
	}

	return g.Wait()
}

func countRegularFiles(list *model.TarList) uint64 {
	var n uint64

	for _, e := range list.Entries {
		info, err := os.Lstat(e.Path)
		if err == nil && info.Mode().IsRegular() {
			n++
		}
	}

	return n
}
