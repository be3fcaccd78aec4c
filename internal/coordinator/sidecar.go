package coordinator

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/model"
)

// SidecarInfo is the small key-value set written to the `.info` metadata file once
// a backup run completes successfully.
type SidecarInfo struct {
	BackupSize uint64
	BackupType model.ArchiveKind
	FileCount  uint64
}

// WriteSidecar writes "<archiveBasePath>.info" atomically via natefinch/atomic, so a
// crash mid-write never leaves a half-written metadata file for a later restore or
// info query to trip over.
func WriteSidecar(archiveBasePath string, info SidecarInfo) error {
	var b strings.Builder

	fmt.Fprintf(&b, "backup_size=%d\n", info.BackupSize)
	fmt.Fprintf(&b, "backup_type=%d\n", int(info.BackupType))
	fmt.Fprintf(&b, "file_count=%d\n", info.FileCount)

	if err := atomic.WriteFile(archiveBasePath+".info", strings.NewReader(b.String())); err != nil {
		return errors.Wrapf(model.ErrIO, "write sidecar for %q: %v", archiveBasePath, err)
	}

	return nil
}

// ReadSidecar reads back the "<archiveBasePath>.info" file WriteSidecar produces.
// Callers (the `cli` info command) use it to recover BackupType without re-probing
// the archive bytes.
func ReadSidecar(archiveBasePath string) (SidecarInfo, error) {
	var info SidecarInfo

	f, err := os.Open(archiveBasePath + ".info") //nolint:gosec
	if err != nil {
		return info, errors.Wrapf(model.ErrIO, "open sidecar for %q: %v", archiveBasePath, err)
	}
	defer f.Close() //nolint:errcheck

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}

		switch k {
		case "backup_size":
			n, _ := strconv.ParseUint(v, 10, 64)
			info.BackupSize = n
		case "backup_type":
			n, _ := strconv.Atoi(v)
			info.BackupType = model.ArchiveKind(n)
		case "file_count":
			n, _ := strconv.ParseUint(v, 10, 64)
			info.FileCount = n
		}
	}

	if err := sc.Err(); err != nil {
		return info, errors.Wrapf(model.ErrIO, "read sidecar for %q: %v", archiveBasePath, err)
	}

	return info, nil
}
