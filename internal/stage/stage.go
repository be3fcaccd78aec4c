// Package stage builds the byte pipeline from the archive writer through an
// optional compression stage and an optional encryption stage to a sink file (or
// external stream). Each filter stage is a real external OS subprocess connected
// by pipes, so the archiver, compressor and cipher run concurrently on distinct
// cores, and the cipher key never has to live inside this process.
package stage

import (
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"

	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
)

var log = logging.Module("stage")

// Config selects which filter stages a pipeline includes and how to invoke them.
// CompressCmd/EncryptCmd name the external codec binaries (conventionally
// "compress -" / "compress -d -c" for the write/read directions, "cipher enc
// --key <password>" / "cipher dec --key <password>"); a deployment points these
// at real binaries (gzip/pigz, openssl/age, ...) without a code change.
type Config struct {
	UseCompression bool
	UseEncryption  bool
	CompressCmd    []string // write-direction args, e.g. {"compress"}
	DecompressCmd  []string // read-direction args, e.g. {"compress", "-d", "-c"}
	EncryptCmd     []string // write-direction args, e.g. {"cipher", "enc", "--key", pw}
	DecryptCmd     []string // read-direction args, e.g. {"cipher", "dec", "--key", pw}
}

// Kind reports the ArchiveKind this config produces.
func (c Config) Kind() model.ArchiveKind {
	switch {
	case c.UseCompression && c.UseEncryption:
		return model.CompressedEncrypted
	case c.UseEncryption:
		return model.Encrypted
	case c.UseCompression:
		return model.Compressed
	default:
		return model.Uncompressed
	}
}

// hideFile strips any *os.File-ness from w so os/exec's Cmd.Stdout assignment
// always spawns its internal copy goroutine rather than passing the descriptor
// straight through to the child.
func hideFile(w io.Writer) io.Writer {
	return struct{ io.Writer }{w}
}

// stage is one filter subprocess in the pipeline.
type stage struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	name     string
}

// Pipeline is the assembled byte chain for one worker's archive: tar writer ->
// [compress] -> [encrypt] -> sink. Writer() is the entry point the ArchiveWriter
// writes tar records into.
type Pipeline struct {
	sink      io.WriteCloser
	sinkPath  string
	stages    []*stage // in pipeline order, closest-to-writer first
	entry     io.WriteCloser
	opened    []io.Closer // every fd opened, for teardown on setup failure
}

// Writer returns the pipeline's entry point — the byte sink the archive writer
// should write tar records into.
func (p *Pipeline) Writer() io.Writer { return p.entry }

// BuildWriter assembles a write-direction pipeline into sink (a plain file or an
// external stream). On any stage-launch failure every previously opened
// descriptor is closed and model.ErrPipelineSetupFailed is returned.
func BuildWriter(cfg Config, sinkPath string, sink io.WriteCloser) (*Pipeline, error) {
	p := &Pipeline{sink: sink, sinkPath: sinkPath}
	p.opened = append(p.opened, sink)

	cur := sink

	if cfg.UseEncryption {
		s, pipeEnd, err := startFilterWrite(cfg.EncryptCmd, cur)
		if err != nil {
			p.closeAll()
			return nil, err
		}

		p.stages = append([]*stage{s}, p.stages...)
		p.opened = append(p.opened, pipeEnd)
		cur = pipeEnd
	}

	if cfg.UseCompression {
		s, pipeEnd, err := startFilterWrite(cfg.CompressCmd, cur)
		if err != nil {
			p.closeAll()
			return nil, err
		}

		p.stages = append([]*stage{s}, p.stages...)
		p.opened = append(p.opened, pipeEnd)
		cur = pipeEnd
	}

	p.entry = cur

	return p, nil
}

// startFilterWrite spawns a filter child whose stdin becomes the returned
// WriteCloser and whose stdout feeds into downstream (the next stage or the
// sink). The child's unused pipe ends are closed in the parent immediately.
func startFilterWrite(argv []string, downstream io.Writer) (*stage, io.WriteCloser, error) {
	if len(argv) == 0 {
		return nil, nil, errors.Wrap(model.ErrPipelineSetupFailed, "empty filter command")
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, nil, errors.Wrapf(model.ErrPipelineSetupFailed, "lookup %q: %v", argv[0], err)
	}

	cmd := exec.Command(path, argv[1:]...) //nolint:gosec

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, errors.Wrapf(model.ErrPipelineSetupFailed, "stdin pipe for %q: %v", argv[0], err)
	}

	// Wrapped so os/exec always takes its internal copy-goroutine path instead of
	// handing the child the raw fd of downstream (which, when downstream is itself
	// the next stage's stdin pipe, would leave our own reference to that write end
	// open after this child exits and wedge the next stage waiting for EOF forever).
	cmd.Stdout = hideFile(downstream)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(model.ErrPipelineSetupFailed, "start %q: %v", argv[0], err)
	}

	log.Debugw("started filter stage", "argv", argv, "pid", cmd.Process.Pid)

	return &stage{cmd: cmd, stdin: stdin, name: argv[0]}, stdin, nil
}

// Close flushes the pipeline: the caller (Worker, via ArchiveWriter) must already
// have written the archive's end marker into p.Writer() and invoked
// archivefmt.Writer.Close() so the entry-point descriptor is closed before this is
// called — Close here tears down the filter chain and validates the sink.
func (p *Pipeline) Close() error {
	for i, s := range p.stages {
		if err := s.cmd.Wait(); err != nil {
			p.closeAll()
			return errors.Wrapf(model.ErrFilterFailed, "%s (stage %d): %v", s.name, i, err)
		}
	}

	// With no filter stages the entry point is the sink itself, which the archive
	// writer has usually closed already.
	if err := p.sink.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return errors.Wrapf(model.ErrIO, "close sink %q: %v", p.sinkPath, err)
	}

	if p.sinkPath != "" {
		info, err := os.Stat(p.sinkPath)
		if err != nil {
			return errors.Wrapf(model.ErrIO, "stat %q: %v", p.sinkPath, err)
		}

		if info.Size() == 0 {
			return errors.Wrapf(model.ErrEmptyArchive, "%q", p.sinkPath)
		}
	}

	return nil
}

// Abort tears the pipeline down without validating the sink, used on a
// mid-archive error from the Worker/Splitter.
func (p *Pipeline) Abort() {
	p.closeAll()

	for _, s := range p.stages {
		_ = s.cmd.Process.Kill()
		_, _ = s.cmd.Process.Wait()
	}
}

func (p *Pipeline) closeAll() {
	for i := len(p.opened) - 1; i >= 0; i-- {
		_ = p.opened[i].Close()
	}
}

// ReadPipeline is the symmetric read-direction chain used on restore: sink ->
// [decrypt] -> [decompress] -> tar reader.
type ReadPipeline struct {
	src    io.ReadCloser
	stages []*stage
	exit   io.ReadCloser
	opened []io.Closer
}

// Reader returns the pipeline's exit point — what the archive reader should
// consume tar records from.
func (p *ReadPipeline) Reader() io.Reader { return p.exit }

// BuildReader assembles a read-direction pipeline out of src (a plain file or
// external stream source).
func BuildReader(cfg Config, src io.ReadCloser) (*ReadPipeline, error) {
	p := &ReadPipeline{src: src}
	p.opened = append(p.opened, src)

	var cur io.Reader = src

	if cfg.UseEncryption {
		s, out, err := startFilterRead(cfg.DecryptCmd, cur)
		if err != nil {
			p.closeAll()
			return nil, err
		}

		p.stages = append(p.stages, s)
		p.opened = append(p.opened, out)
		cur = out
	}

	if cfg.UseCompression {
		s, out, err := startFilterRead(cfg.DecompressCmd, cur)
		if err != nil {
			p.closeAll()
			return nil, err
		}

		p.stages = append(p.stages, s)
		p.opened = append(p.opened, out)
		cur = out
	}

	if rc, ok := cur.(io.ReadCloser); ok {
		p.exit = rc
	} else {
		p.exit = io.NopCloser(cur)
	}

	return p, nil
}

func startFilterRead(argv []string, upstream io.Reader) (*stage, io.ReadCloser, error) {
	if len(argv) == 0 {
		return nil, nil, errors.Wrap(model.ErrPipelineSetupFailed, "empty filter command")
	}

	path, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, nil, errors.Wrapf(model.ErrPipelineSetupFailed, "lookup %q: %v", argv[0], err)
	}

	cmd := exec.Command(path, argv[1:]...) //nolint:gosec

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrapf(model.ErrPipelineSetupFailed, "stdout pipe for %q: %v", argv[0], err)
	}

	if f, ok := upstream.(*os.File); ok {
		cmd.Stdin = f
	} else {
		cmd.Stdin = upstream
	}

	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, errors.Wrapf(model.ErrPipelineSetupFailed, "start %q: %v", argv[0], err)
	}

	return &stage{cmd: cmd, name: argv[0]}, stdout, nil
}

// Close waits for every filter child and maps the first non-zero exit (commonly
// caused by a wrong password on decrypt) to model.ErrFilterFailed, whichever stage
// it came from; it does not tell the decrypt stage apart from the others.
func (p *ReadPipeline) Close() error {
	var firstErr error

	for i, s := range p.stages {
		if err := s.cmd.Wait(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(model.ErrFilterFailed, "%s (stage %d): %v", s.name, i, err)
		}
	}

	p.closeAll()

	return firstErr
}

func (p *ReadPipeline) closeAll() {
	for i := len(p.opened) - 1; i >= 0; i-- {
		_ = p.opened[i].Close()
	}
}
