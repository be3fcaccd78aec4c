// Package walker implements the PathWalker component: a recursive directory
// traversal that emits (path, info, kind) triples for every filesystem entry other
// than "." and "..", honoring an exclusion predicate and never following symlinks.
package walker

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/exclude"
	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
)

var log = logging.Module("walker")

// Kind tags what sort of filesystem object an Entry names.
type Kind int

const (
	KindDir Kind = iota
	KindFile
	KindSymlink
	KindOther // block/char specials, FIFOs, sockets: skipped silently by the caller
)

// Entry is one (path, stat, kind) triple emitted by Walk.
type Entry struct {
	Path string
	Info os.FileInfo
	Kind Kind
}

// Visitor receives entries in depth-first order; directories are visited before
// their contents, matching the Partitioner's ordering requirement.
type Visitor func(ctx context.Context, e Entry) error

// Walk performs one recursive depth-first traversal of root, calling visit for every
// included entry. The exclusion predicate is consulted on every path (relative to
// root); when it returns true the entire subtree rooted there is skipped, including
// recursion into directories. A directory whose entries cannot be listed is reported
// via a wrapped model.ErrIO once traversal completes; traversal of sibling subtrees
// continues and later failures are logged, but only the first one is returned, and
// that return value makes the whole walk a failure (the Partitioner maps this to
// PartitionFailed).
func Walk(ctx context.Context, root string, pred exclude.Predicate, visit Visitor) error {
	if pred == nil {
		pred = exclude.None()
	}

	var firstErr error

	var recurse func(dir, rel string) error

	recurse = func(dir, rel string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			wrapped := errors.Wrapf(model.ErrIO, "opendir %q: %v", dir, err)
			log.Warnw("failed to list directory", "dir", dir, "error", err)

			if firstErr == nil {
				firstErr = wrapped
			}

			return nil
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		for _, de := range entries {
			name := de.Name()
			if name == "." || name == ".." {
				continue
			}

			childPath := filepath.Join(dir, name)
			childRel := filepath.ToSlash(filepath.Join(rel, name))

			isDir := de.Type()&os.ModeDir != 0
			if pred.Skip(childRel, isDir) {
				continue
			}

			info, err := os.Lstat(childPath)
			if err != nil {
				wrapped := errors.Wrapf(model.ErrIO, "lstat %q: %v", childPath, err)
				log.Warnw("failed to stat entry", "path", childPath, "error", err)

				if firstErr == nil {
					firstErr = wrapped
				}

				continue
			}

			kind := classify(info)
			if kind == KindOther {
				continue
			}

			if err := visit(ctx, Entry{Path: childPath, Info: info, Kind: kind}); err != nil {
				return err
			}

			if kind == KindDir {
				if err := recurse(childPath, childRel); err != nil {
					return err
				}
			}
		}

		return nil
	}

	if err := recurse(root, ""); err != nil {
		return err
	}

	return firstErr
}

func classify(info os.FileInfo) Kind {
	mode := info.Mode()

	switch {
	case mode&os.ModeDir != 0:
		return KindDir
	case mode&os.ModeSymlink != 0:
		return KindSymlink
	case mode&os.ModeDevice != 0, mode&os.ModeCharDevice != 0, mode&os.ModeNamedPipe != 0, mode&os.ModeSocket != 0:
		return KindOther
	case mode.IsRegular():
		return KindFile
	default:
		return KindOther
	}
}
