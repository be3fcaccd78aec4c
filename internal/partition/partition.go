// Package partition turns a directory walk into a balanced, ordered TarList
// tagging every entry with a worker id.
package partition

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/exclude"
	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/walker"
)

var log = logging.Module("partition")

// unencryptedWalk drives a single DFS, appending every included entry and
// incrementing the running worker id whenever accumulated regular-file bytes
// crosses target (0 disables splitting: everything collapses to worker 0).
type unencryptedWalk struct {
	list      *model.TarList
	workerID  int
	target    uint64
	accum     uint64
}

func (w *unencryptedWalk) visit(ctx context.Context, e walker.Entry) error {
	w.list.Entries = append(w.list.Entries, model.TarEntry{Path: e.Path, WorkerID: w.workerID})

	if e.Kind == walker.KindFile {
		w.accum += uint64(e.Info.Size())

		if w.target > 0 && w.accum > w.target {
			w.workerID++
			w.accum = 0
		}
	}

	return nil
}

// BuildUnencrypted implements the unencrypted partitioning algorithm: a single DFS
// seeded with workerId=0, directories appended before recursion, files/symlinks
// appended as encountered, worker id incremented whenever accumulated regular-file
// bytes exceeds targetBytes. targetBytes==0 collapses everything to worker 0.
func BuildUnencrypted(ctx context.Context, root string, pred exclude.Predicate, targetBytes uint64) (*model.TarList, error) {
	list := &model.TarList{}
	w := &unencryptedWalk{list: list, target: targetBytes}

	if err := walker.Walk(ctx, root, pred, w.visit); err != nil {
		return nil, errors.Wrapf(model.ErrPartitionFailed, "walking %q: %v", root, err)
	}

	return list, nil
}

// isUserdataEncryptionBucket reports whether a top-level child name belongs to the
// "regular" (plaintext) bucket under userdata encryption: names prefixed "app" or
// "dalvik".
func isUserdataEncryptionBucket(name string) bool {
	return strings.HasPrefix(name, "app") || strings.HasPrefix(name, "dalvik")
}

// folderSize sums the size of every regular file under dir, honoring pred exactly
// like the walker would (an excluded subtree contributes zero).
func folderSize(ctx context.Context, dir string, pred exclude.Predicate) (uint64, error) {
	var total uint64

	err := walker.Walk(ctx, dir, pred, func(_ context.Context, e walker.Entry) error {
		if e.Kind == walker.KindFile {
			total += uint64(e.Info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

// BuildEncrypted implements the two-pass encrypted/userdata-encryption partitioning
// algorithm: bucket split, then per-bucket balanced worker assignment.
func BuildEncrypted(ctx context.Context, root string, pred exclude.Predicate, userdataEncryption bool, coreCount int) (*model.TarList, error) {
	if pred == nil {
		pred = exclude.None()
	}

	topLevel, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(model.ErrPartitionFailed, "opendir %q: %v", root, err)
	}

	var regularNames []string
	var encryptedSize, regularSize uint64

	// Sizing pass.
	for _, de := range topLevel {
		name := de.Name()
		childPath := filepath.Join(root, name)

		isDir := de.IsDir()
		if pred.Skip(name, isDir) {
			continue
		}

		if isDir {
			if userdataEncryption && isUserdataEncryptionBucket(name) {
				regularNames = append(regularNames, name)

				sz, err := folderSize(ctx, childPath, pred)
				if err != nil {
					return nil, errors.Wrap(model.ErrPartitionFailed, err.Error())
				}

				regularSize += sz

				continue
			}

			sz, err := folderSize(ctx, childPath, pred)
			if err != nil {
				return nil, errors.Wrap(model.ErrPartitionFailed, err.Error())
			}

			encryptedSize += sz

			continue
		}

		info, err := os.Lstat(childPath)
		if err != nil {
			return nil, errors.Wrapf(model.ErrPartitionFailed, "lstat %q: %v", childPath, err)
		}

		if info.Mode().IsRegular() {
			encryptedSize += uint64(info.Size())
		}
	}

	if coreCount <= 0 {
		coreCount = 1
	}

	target := (encryptedSize + uint64(coreCount) - 1) / uint64(coreCount)

	startThreadID := 1
	if !userdataEncryption {
		startThreadID = 0
		coreCount--
	}

	log.Debugw("computed encrypted partition sizes",
		"regularSize", regularSize, "encryptedSize", encryptedSize, "target", target, "coreCount", coreCount)

	regularSet := make(map[string]bool, len(regularNames))
	for _, n := range regularNames {
		regularSet[n] = true
	}

	list := &model.TarList{}

	// Assignment pass.
	regularWorker := &unencryptedWalk{list: list, workerID: 0, target: 0}
	encWorker := &unencryptedWalk{list: list, workerID: startThreadID, target: target}

	for _, de := range topLevel {
		name := de.Name()
		childPath := filepath.Join(root, name)

		isDir := de.IsDir()
		if pred.Skip(name, isDir) {
			continue
		}

		if isDir && userdataEncryption && regularSet[name] {
			list.Entries = append(list.Entries, model.TarEntry{Path: childPath, WorkerID: regularWorker.workerID})

			if err := walker.Walk(ctx, childPath, pred, regularWorker.visit); err != nil {
				return nil, errors.Wrapf(model.ErrPartitionFailed, "walking %q: %v", childPath, err)
			}

			continue
		}

		if isDir {
			list.Entries = append(list.Entries, model.TarEntry{Path: childPath, WorkerID: encWorker.workerID})

			if err := walker.Walk(ctx, childPath, pred, encWorker.visit); err != nil {
				return nil, errors.Wrapf(model.ErrPartitionFailed, "walking %q: %v", childPath, err)
			}

			continue
		}

		info, err := os.Lstat(childPath)
		if err != nil {
			return nil, errors.Wrapf(model.ErrPartitionFailed, "lstat %q: %v", childPath, err)
		}

		if info.Mode().IsRegular() || info.Mode()&os.ModeSymlink != 0 {
			encWorker.accum += sizeIfRegular(info)
			list.Entries = append(list.Entries, model.TarEntry{Path: childPath, WorkerID: encWorker.workerID})

			if target > 0 && encWorker.accum > target {
				encWorker.workerID++
				encWorker.accum = 0
			}
		}
	}

	if encWorker.workerID != coreCount {
		log.Warnw("uneven thread division for encrypted partition",
			"finalWorkerID", encWorker.workerID, "coreCount", coreCount)
	}

	return list, nil
}

func sizeIfRegular(info os.FileInfo) uint64 {
	if info.Mode().IsRegular() {
		return uint64(info.Size())
	}

	return 0
}
