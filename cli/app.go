// Package cli wires the backup/restore engine to a kingpin.Application: flag
// parsing, color/terminal setup, the hidden re-exec subcommand, and a default
// text progress renderer.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/alecthomas/kingpin/v2"

	"github.com/vadd99/bootable-recovery/internal/coordinator"
	"github.com/vadd99/bootable-recovery/internal/logging"
	"github.com/vadd99/bootable-recovery/internal/model"
)

var log = logging.Module("cli")

// nolint:gochecknoglobals
var (
	defaultColor = color.New()
	warningColor = color.New(color.FgYellow)
	errorColor   = color.New(color.FgHiRed)
	noteColor    = color.New(color.FgHiCyan)
)

// App holds everything a command handler needs: output streams and the
// kingpin commands it registers itself under.
type App struct {
	stdoutWriter io.Writer
	stderrWriter io.Writer

	backup  backupCommand
	restore restoreCommand
	info    infoCommand
}

// NewApp constructs an App with color-aware stdout/stderr writers: colorable
// on Windows consoles, a plain pass-through writer everywhere else.
func NewApp() *App {
	return &App{
		stdoutWriter: colorable.NewColorableStdout(),
		stderrWriter: colorable.NewColorableStderr(),
	}
}

func (c *App) stdout() io.Writer { return c.stdoutWriter }
func (c *App) stderr() io.Writer { return c.stderrWriter }

func (c *App) printStdout(msg string, args ...interface{}) {
	fmt.Fprintf(c.stdout(), msg, args...)
}

func (c *App) colorsEnabled() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// Attach registers every visible subcommand, plus the hidden re-exec entry
// point, on app.
func (c *App) Attach(app *kingpin.Application) {
	c.backup.setup(c, app)
	c.restore.setup(c, app)
	c.info.setup(c, app)

	// Hidden: never shown in --help, never documented; only the coordinator's
	// own re-exec ever invokes it.
	run := app.Command(coordinator.ReexecSubcommand, "internal").Hidden()
	cfgPath := run.Arg("config", "job config path").Required().String()

	run.Action(func(*kingpin.ParseContext) error {
		code := coordinator.RunSubcommand(context.Background(), []string{*cfgPath})
		os.Exit(code)
		return nil
	})
}

// Run builds the kingpin.Application, attaches every command, and parses
// os.Args[1:]. It is the only function main() calls.
func Run() {
	app := kingpin.New("bootable-recovery", "Partition backup and restore engine.")
	app.HelpFlag.Short('h')

	a := NewApp()
	a.Attach(app)

	if _, err := app.Parse(os.Args[1:]); err != nil {
		errorColor.Fprintf(os.Stderr, "error: %v\n", err) //nolint:errcheck
		os.Exit(1)
	}
}

// reportError prints kind's single user-facing message in errorColor and logs
// the full cause, mirroring the design's error handling section: one short
// line to the user, the detailed stack to the structured log.
func (c *App) reportError(err error) {
	if err == nil {
		return
	}

	kind := model.KindOf(err)

	errorColor.Fprintf(c.stderr(), "error: %s\n", kind.Message()) //nolint:errcheck
	log.Errorw("command failed", "error", fmt.Sprintf("%+v", err))
}
