package cli

import (
	"context"
	"strconv"

	"github.com/alecthomas/kingpin/v2"

	"github.com/vadd99/bootable-recovery/internal/coordinator"
	"github.com/vadd99/bootable-recovery/internal/exclude"
	"github.com/vadd99/bootable-recovery/internal/model"
)

// backupCommand implements "bootable-recovery backup", re-exec'ing the
// coordinator's outer child and rendering its progress pipe.
type backupCommand struct {
	sourceDir   string
	archiveBase string
	compress    bool
	encrypt     bool
	userdata    bool
	password    string
	splitMiB    uint64
	exclude     []string
}

func (c *backupCommand) setup(app *App, parent *kingpin.Application) {
	cmd := parent.Command("backup", "Back up a partition tree to a tar archive (family).")

	cmd.Arg("source", "Directory to back up.").Required().StringVar(&c.sourceDir)
	cmd.Arg("archive", "Destination archive base path.").Required().StringVar(&c.archiveBase)
	cmd.Flag("compress", "Pipe each archive through the compress filter.").BoolVar(&c.compress)
	cmd.Flag("encrypt", "Pipe each archive through the encrypt filter.").BoolVar(&c.encrypt)
	cmd.Flag("userdata", "Use the /data-style two-pass partitioner (app/dalvik split).").BoolVar(&c.userdata)
	cmd.Flag("password", "Encryption password (only meaningful with --encrypt).").StringVar(&c.password)
	cmd.Flag("split-mib", "Split archives once an entry would exceed this many MiB (0 disables).").Uint64Var(&c.splitMiB)
	cmd.Flag("exclude", "Gitignore-style path pattern to skip; may be repeated.").StringsVar(&c.exclude)

	cmd.Action(func(*kingpin.ParseContext) error {
		return c.run(app)
	})
}

func (c *backupCommand) run(app *App) error {
	pred, err := exclude.Patterns(c.exclude)
	if err != nil {
		return err
	}

	job := model.BackupJob{
		SourceDir:           c.sourceDir,
		ArchiveBasePath:     c.archiveBase,
		UseCompression:      c.compress,
		UseEncryption:       c.encrypt,
		UserdataEncryption:  c.userdata,
		Password:            c.password,
		ArchiveSplitCeiling: c.splitMiB * 1024 * 1024,
		Exclude:             pred,
		CompressCmd:         []string{"compress", "-"},
		EncryptCmd:          []string{"cipher", "enc", "--key", c.password},
	}

	pr := newTextProgress(app.stdout(), app.colorsEnabled())

	err = coordinator.RunBackup(context.Background(), job, pr.onEvent)
	pr.finish()

	if err != nil {
		app.reportError(err)
		return err
	}

	app.printStdout("backed up %s files, %s total\n", strconv.FormatUint(pr.done, 10), humanBytes(pr.byteN))

	return nil
}
