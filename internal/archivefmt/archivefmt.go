// Package archivefmt is a thin, black-box wrapper over a sequential tape-archive
// record library (archive/tar) exposing open/close, append entry, append
// end-marker, iterate entries, skip entry body, find entry by name, and
// truncate-a-trailing-end-marker.
package archivefmt

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
	"github.com/vadd99/bootable-recovery/internal/progress"
)

var log = logging.Module("archivefmt")

// xattrUserScan is the namespace probed for "user extended attributes";
// SELinux context rides in the well-known security.selinux attribute.
const (
	xattrSELinux   = "security.selinux"
	xattrUserScan  = "user."
	paxSELinux     = "SCHILY.xattr.security.selinux"
	paxFscryptPol  = "TWRP.fscryptPolicy"
	paxUserXattrFmt = "SCHILY.xattr.%s"
)

// Writer appends tar entries to an underlying io.Writer and closes that writer on
// Close when it is closeable.
type Writer struct {
	tw     *tar.Writer
	closer io.Closer
}

// OpenWrite opens a new (or continuing) archive writer over a raw byte sink. The
// sink is whatever StageBuilder handed back — a plain file or the write end of a
// filter pipeline; archivefmt never cares which.
func OpenWrite(sink io.Writer) *Writer {
	w := &Writer{tw: tar.NewWriter(sink)}
	if c, ok := sink.(io.Closer); ok {
		w.closer = c
	}

	return w
}

// AppendFile adds a regular file, symlink or directory to the archive. When
// archivePath is empty the stored name is absPath as given; otherwise it is used
// verbatim (the caller — Worker — has already stripped the root prefix when
// required).
func (w *Writer) AppendFile(absPath, archivePath string, info os.FileInfo) error {
	name := archivePath
	if name == "" {
		name = absPath
	}

	var link string

	if info.Mode()&os.ModeSymlink != 0 {
		l, err := os.Readlink(absPath)
		if err != nil {
			return errors.Wrapf(model.ErrIO, "readlink %q: %v", absPath, err)
		}

		link = l
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return errors.Wrapf(model.ErrArchiveFailed, "header for %q: %v", absPath, err)
	}

	hdr.Name = normalizeArchiveName(name, info.IsDir())
	populatePAXRecords(hdr, absPath)

	if err := w.tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(model.ErrArchiveFailed, "write header for %q: %v", absPath, err)
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(absPath) //nolint:gosec
		if err != nil {
			return errors.Wrapf(model.ErrIO, "open %q: %v", absPath, err)
		}
		defer f.Close() //nolint:errcheck

		if _, err := io.Copy(w.tw, f); err != nil {
			return errors.Wrapf(model.ErrArchiveFailed, "copy %q: %v", absPath, err)
		}
	}

	return nil
}

// AppendEndMarker writes the archive's trailing end-of-archive marker (two
// zero-filled 512-byte blocks, per the tar format); archive/tar's Close already
// does this, but it is exposed as its own step so the Splitter can invoke it
// before rotating to a new archive file without also closing the underlying sink.
func (w *Writer) AppendEndMarker() error {
	if err := w.tw.Flush(); err != nil {
		return errors.Wrap(model.ErrArchiveFailed, err.Error())
	}

	if err := w.tw.Close(); err != nil {
		return errors.Wrap(model.ErrArchiveFailed, err.Error())
	}

	return nil
}

// Close releases the underlying sink, if it is closeable. Call AppendEndMarker
// first; Close does not write the end marker itself.
func (w *Writer) Close() error {
	if w.closer != nil {
		return w.closer.Close()
	}

	return nil
}

func normalizeArchiveName(name string, isDir bool) string {
	n := strings.TrimPrefix(name, "/")
	if isDir && !strings.HasSuffix(n, "/") {
		n += "/"
	}

	return n
}

// StripRootDir mirrors the original Strip_Root_Dir: drop a leading slash, then
// everything up to (and not including) the first remaining slash.
func StripRootDir(path string) string {
	p := strings.TrimPrefix(path, "/")

	idx := strings.Index(p, "/")
	if idx < 0 {
		return p
	}

	return p[idx:]
}

func populatePAXRecords(hdr *tar.Header, absPath string) {
	if hdr.PAXRecords == nil {
		hdr.PAXRecords = map[string]string{}
	}

	if v, ok := getXattr(absPath, xattrSELinux); ok {
		hdr.PAXRecords[paxSELinux] = v
	}

	// POSIX file capabilities; restored by applyPAXRecords' generic xattr loop.
	if v, ok := getXattr(absPath, "security.capability"); ok {
		hdr.PAXRecords[paxUserXattrPAXKey("security.capability")] = v
	}

	for _, n := range listXattrNames(absPath) {
		if !strings.HasPrefix(n, xattrUserScan) {
			continue
		}

		if v, ok := getXattr(absPath, n); ok {
			hdr.PAXRecords[paxUserXattrPAXKey(n)] = v
		}
	}
}

func paxUserXattrPAXKey(name string) string {
	return strings.Replace(paxUserXattrFmt, "%s", name, 1)
}

// getXattr reads one extended attribute via Lgetxattr, growing the buffer once on
// ERANGE. Any failure (including "not supported on this filesystem") is treated as
// "no value" — xattrs are captured best-effort, when available.
func getXattr(absPath, name string) (string, bool) {
	buf := make([]byte, 256)

	n, err := unix.Lgetxattr(absPath, name, buf)
	if err == unix.ERANGE {
		buf = make([]byte, 64*1024)
		n, err = unix.Lgetxattr(absPath, name, buf)
	}

	if err != nil || n <= 0 {
		return "", false
	}

	return string(buf[:n]), true
}

func setXattr(dest, name, value string) error {
	return unix.Lsetxattr(dest, name, []byte(value), 0) //nolint:wrapcheck
}

// listXattrNames lists extended attribute names on absPath via Llistxattr,
// matching the original's extended-user-attribute capture. Absence of xattr
// support on the underlying filesystem is not an error — just an empty set.
func listXattrNames(absPath string) []string {
	buf := make([]byte, 4096)

	n, err := unix.Llistxattr(absPath, buf)
	if err != nil || n <= 0 {
		return nil
	}

	var names []string

	for _, part := range strings.Split(string(buf[:n]), "\x00") {
		if part != "" {
			names = append(names, part)
		}
	}

	return names
}

// Reader reads tar entries back out, used by ExtractAll/Find/IterHeaders/SkipEntry.
type Reader struct {
	tr *tar.Reader
}

// OpenRead wraps a raw byte source (a plain file or the read end of a filter
// pipeline) in a tar reader.
func OpenRead(src io.Reader) *Reader {
	return &Reader{tr: tar.NewReader(src)}
}

// ExtractAll restores every entry under rootDir, reporting a progress.Sink delta
// for every regular file's bytes as they're copied.
func (r *Reader) ExtractAll(rootDir string, sink progress.Sink) error {
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return errors.Wrap(model.ErrArchiveFailed, err.Error())
		}

		if err := r.extractOne(rootDir, hdr, sink); err != nil {
			return err
		}
	}
}

func (r *Reader) extractOne(rootDir string, hdr *tar.Header, sink progress.Sink) error {
	dest := filepath.Join(rootDir, filepath.FromSlash(hdr.Name)) //nolint:gosec

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)); err != nil { //nolint:gosec
			return errors.Wrapf(model.ErrIO, "mkdir %q: %v", dest, err)
		}
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.Wrapf(model.ErrIO, "mkdir %q: %v", filepath.Dir(dest), err)
		}

		_ = os.Remove(dest)

		if err := os.Symlink(hdr.Linkname, dest); err != nil {
			return errors.Wrapf(model.ErrIO, "symlink %q -> %q: %v", dest, hdr.Linkname, err)
		}
	default:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return errors.Wrapf(model.ErrIO, "mkdir %q: %v", filepath.Dir(dest), err)
		}

		f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)) //nolint:gosec
		if err != nil {
			return errors.Wrapf(model.ErrIO, "open %q: %v", dest, err)
		}

		n, err := io.Copy(f, r.tr)
		if err != nil {
			f.Close() //nolint:errcheck
			return errors.Wrapf(model.ErrArchiveFailed, "extract %q: %v", dest, err)
		}

		if err := f.Close(); err != nil {
			return errors.Wrapf(model.ErrIO, "close %q: %v", dest, err)
		}

		if sink != nil && n > 0 {
			sink.SendDelta(uint64(n))
		}
	}

	applyPAXRecords(dest, hdr)

	return nil
}

func applyPAXRecords(dest string, hdr *tar.Header) {
	if v, ok := hdr.PAXRecords[paxSELinux]; ok {
		_ = setXattr(dest, xattrSELinux, v)
	}

	for k, v := range hdr.PAXRecords {
		name := strings.TrimPrefix(k, "SCHILY.xattr.")
		if name == k || name == xattrSELinux {
			continue
		}

		_ = setXattr(dest, name, v)
	}
}

// Find reports whether an entry with the given name exists in the archive,
// consuming the reader.
func (r *Reader) Find(name string) bool {
	for {
		hdr, err := r.tr.Next()
		if err != nil {
			return false
		}

		if hdr.Name == name || strings.TrimSuffix(hdr.Name, "/") == strings.TrimSuffix(name, "/") {
			return true
		}
	}
}

// IterHeaders calls fn for every header in the archive until EOF or fn returns
// false, without materializing file bodies.
func (r *Reader) IterHeaders(fn func(hdr *tar.Header) bool) error {
	for {
		hdr, err := r.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return errors.Wrap(model.ErrArchiveFailed, err.Error())
		}

		if !fn(hdr) {
			return nil
		}
	}
}

// SkipEntry discards the current entry's body without materializing it; with
// archive/tar this is implicit in calling Next() again, but it is exposed here as
// its own named operation on the reader.
func (r *Reader) SkipEntry() {}

// TruncateTrailingEndMarker reads headers, skipping regular-file bodies, until
// end-of-archive, then truncates the file to the offset immediately before the
// trailing end marker. A well-formed archive ends with exactly one end marker;
// appending to an existing archive requires first truncating it off.
func TruncateTrailingEndMarker(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0) //nolint:gosec
	if err != nil {
		return errors.Wrapf(model.ErrIO, "open %q: %v", path, err)
	}
	defer f.Close() //nolint:errcheck

	tr := tar.NewReader(f)

	var lastEnd int64

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return errors.Wrap(model.ErrArchiveFailed, err.Error())
		}

		// Next() has already discarded the previous entry's unread body and
		// padding (via its io.Seeker fast path on *os.File) and read this entry's
		// header, so the file position right now is the start of this entry's
		// body; the entry ends after that body, padded to a 512-byte block.
		off, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return errors.Wrapf(model.ErrIO, "seek %q: %v", path, err)
		}

		lastEnd = off + (hdr.Size+511)/512*512
	}

	if lastEnd > 0 {
		if err := f.Truncate(lastEnd); err != nil {
			return errors.Wrapf(model.ErrIO, "truncate %q: %v", path, err)
		}
	}

	log.Debugw("truncated trailing end marker", "path", path, "offset", lastEnd)

	return nil
}

// DetectKind probes the first bytes of an archive file to distinguish compressed
// from uncompressed content via gzip's well-known magic number. It does not
// detect encryption: no trial decrypt is performed, so an encrypted archive
// reports Uncompressed unless its bytes happen to start with the gzip magic.
func DetectKind(path string) (model.ArchiveKind, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return model.Uncompressed, errors.Wrapf(model.ErrIO, "open %q: %v", path, err)
	}
	defer f.Close() //nolint:errcheck

	magic := make([]byte, 2)

	n, _ := io.ReadFull(f, magic)
	if n == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		return model.Compressed, nil
	}

	return model.Uncompressed, nil
}
