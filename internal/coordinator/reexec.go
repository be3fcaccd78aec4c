// Package coordinator implements the two-level isolation that forks an entire
// backup or restore run into a child process, and inside that child fans out
// one goroutine per worker id.
package coordinator

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/exclude"
	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/progress"
)

var log = logging.Module("coordinator")

// ReexecSubcommand is the hidden CLI subcommand name the outer process launches the
// child under; the `cli` package registers it but never documents it in --help.
const ReexecSubcommand = "__run"

// reexecPayload is what actually crosses the re-exec boundary as JSON — a plain,
// fully serializable subset of model.BackupJob/RestoreJob. The live Exclude
// predicate and StreamSink interfaces never survive a fork, so ExcludePatterns
// carries the gitignore-style source patterns instead and the child rebuilds the
// predicate with exclude.Patterns.
type reexecPayload struct {
	Kind string `json:"kind"` // "backup" or "restore"

	SourceDir           string   `json:"source_dir,omitempty"`
	DestDir             string   `json:"dest_dir,omitempty"`
	ArchiveBasePath     string   `json:"archive_base_path"`
	TotalSizeHint       uint64   `json:"total_size_hint,omitempty"`
	UseCompression      bool     `json:"use_compression,omitempty"`
	UseEncryption       bool     `json:"use_encryption,omitempty"`
	UserdataEncryption  bool     `json:"userdata_encryption,omitempty"`
	Password            string   `json:"password,omitempty"`
	ArchiveSplitCeiling uint64   `json:"archive_split_ceiling,omitempty"`
	ExcludePatterns     []string `json:"exclude_patterns,omitempty"`
	CompressCmd         []string `json:"compress_cmd,omitempty"`
	EncryptCmd          []string `json:"encrypt_cmd,omitempty"`
}

// RunBackup is the public entry point the CLI calls for a backup. It re-execs the
// current binary as a child hosting the whole run, streams the child's progress
// pipe through onProgress, and on success writes the sidecar metadata file.
func RunBackup(ctx context.Context, job model.BackupJob, onProgress func(progress.Event)) error {
	payload := reexecPayload{
		Kind:                "backup",
		SourceDir:           job.SourceDir,
		ArchiveBasePath:     job.ArchiveBasePath,
		TotalSizeHint:       job.TotalSizeHint,
		UseCompression:      job.UseCompression,
		UseEncryption:       job.UseEncryption,
		UserdataEncryption:  job.UserdataEncryption,
		Password:            job.Password,
		ArchiveSplitCeiling: job.ArchiveSplitCeiling,
		CompressCmd:         job.CompressCmd,
		EncryptCmd:          job.EncryptCmd,
	}

	var fileCount, totalBytes uint64

	collect := func(ev progress.Event) {
		switch ev.Kind {
		case progress.EventFileCount:
			fileCount = ev.Value
		case progress.EventDelta:
			totalBytes += ev.Value
		}

		if onProgress != nil {
			onProgress(ev)
		}
	}

	if err := reexec(ctx, payload, true, collect); err != nil {
		return err
	}

	kind := model.Uncompressed
	switch {
	case job.UseCompression && job.UseEncryption:
		kind = model.CompressedEncrypted
	case job.UseEncryption:
		kind = model.Encrypted
	case job.UseCompression:
		kind = model.Compressed
	}

	return WriteSidecar(job.ArchiveBasePath, SidecarInfo{
		BackupSize: totalBytes,
		BackupType: kind,
		FileCount:  fileCount,
	})
}

// RunRestore is the public entry point the CLI calls for a restore.
func RunRestore(ctx context.Context, job model.RestoreJob, onProgress func(progress.Event)) error {
	payload := reexecPayload{
		Kind:            "restore",
		DestDir:         job.DestDir,
		ArchiveBasePath: job.ArchiveBasePath,
		Password:        job.Password,
		CompressCmd:     job.CompressCmd,
		EncryptCmd:      job.EncryptCmd,
	}

	return reexec(ctx, payload, false, onProgress)
}

// reexec spawns the re-exec'd child, wires its progress pipe and abort signal, and
// waits for it. expectHeader selects whether the parent-side progress reader
// expects the backup-only FileCount/TotalSize header.
func reexec(ctx context.Context, payload reexecPayload, expectHeader bool, onProgress func(progress.Event)) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.Wrap(model.ErrPipelineSetupFailed, err.Error())
	}

	cfgFile, err := os.CreateTemp("", "bootable-recovery-job-*.json")
	if err != nil {
		return errors.Wrap(model.ErrPipelineSetupFailed, err.Error())
	}
	cfgPath := cfgFile.Name()
	defer os.Remove(cfgPath) //nolint:errcheck

	// 0600: the job payload carries the cipher password in plaintext.
	if err := cfgFile.Chmod(0o600); err != nil {
		cfgFile.Close() //nolint:errcheck
		return errors.Wrap(model.ErrPipelineSetupFailed, err.Error())
	}

	if err := json.NewEncoder(cfgFile).Encode(payload); err != nil {
		cfgFile.Close() //nolint:errcheck
		return errors.Wrap(model.ErrPipelineSetupFailed, err.Error())
	}

	if err := cfgFile.Close(); err != nil {
		return errors.Wrap(model.ErrPipelineSetupFailed, err.Error())
	}

	progressRead, progressWrite, err := os.Pipe()
	if err != nil {
		return errors.Wrap(model.ErrPipelineSetupFailed, err.Error())
	}

	cmd := exec.Command(exe, ReexecSubcommand, cfgPath) //nolint:gosec
	cmd.ExtraFiles = []*os.File{progressWrite}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		progressRead.Close()  //nolint:errcheck
		progressWrite.Close() //nolint:errcheck
		return errors.Wrap(model.ErrPipelineSetupFailed, err.Error())
	}

	// The parent's own copy of the write end must close now — otherwise the pipe
	// never reaches EOF even after the child exits and closes its copy.
	progressWrite.Close() //nolint:errcheck

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			log.Warnw("aborting child", "pid", cmd.Process.Pid)
			_ = cmd.Process.Signal(syscall.SIGUSR2)
		case <-done:
		}
	}()

	drained := make(chan struct{})

	go func() {
		defer close(drained)

		r := progress.NewReader(progressRead, expectHeader)
		_ = progress.Drain(r, func(ev progress.Event) {
			if onProgress != nil {
				onProgress(ev)
			}
		})
	}()

	waitErr := cmd.Wait()
	progressRead.Close() //nolint:errcheck
	<-drained

	if waitErr != nil {
		if ctx.Err() != nil {
			return errors.Wrap(model.ErrAborted, waitErr.Error())
		}

		return errors.Wrap(model.ErrFilterFailed, waitErr.Error())
	}

	return nil
}

// RunSubcommand is the hidden `__run` entry point, invoked by the re-exec'd child's
// main(). It reads the job payload, wires fd 3 as the progress sink, installs the
// SIGUSR2 abort handler, and runs the requested backup or restore in-process.
func RunSubcommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		log.Errorw("wrong argument count for hidden subcommand", "args", args)
		return 2
	}

	data, err := os.ReadFile(args[0]) //nolint:gosec
	if err != nil {
		log.Errorw("read job payload", "error", err)
		return 2
	}

	var payload reexecPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Errorw("decode job payload", "error", err)
		return 2
	}

	progressWrite := os.NewFile(3, "progress")
	sink := progress.NewPipeSink(progressWrite)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR2)

	go func() {
		<-sigCh
		os.Exit(255)
	}()

	var runErr error

	switch payload.Kind {
	case "backup":
		pred, perr := exclude.Patterns(payload.ExcludePatterns)
		if perr != nil {
			log.Errorw("compile exclude patterns", "error", perr)
			return 2
		}

		runErr = RunBackupChild(ctx, model.BackupJob{
			SourceDir:           payload.SourceDir,
			ArchiveBasePath:     payload.ArchiveBasePath,
			TotalSizeHint:       payload.TotalSizeHint,
			UseCompression:      payload.UseCompression,
			UseEncryption:       payload.UseEncryption,
			UserdataEncryption:  payload.UserdataEncryption,
			Password:            payload.Password,
			ArchiveSplitCeiling: payload.ArchiveSplitCeiling,
			Exclude:             pred,
			CompressCmd:         payload.CompressCmd,
			EncryptCmd:          payload.EncryptCmd,
		}, sink)
	case "restore":
		runErr = RunRestoreChild(ctx, model.RestoreJob{
			ArchiveBasePath: payload.ArchiveBasePath,
			DestDir:         payload.DestDir,
			Password:        payload.Password,
			CompressCmd:     payload.CompressCmd,
			EncryptCmd:      payload.EncryptCmd,
		}, sink)
	default:
		log.Errorw("unknown run kind", "kind", payload.Kind)
		return 2
	}

	_ = progressWrite.Close()

	if runErr != nil {
		log.Errorw("run failed", "error", runErr)
		return 1
	}

	return 0
}
