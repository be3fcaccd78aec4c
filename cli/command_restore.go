package cli

import (
	"context"

	"github.com/alecthomas/kingpin/v2"

	"github.com/vadd99/bootable-recovery/internal/coordinator"
	"github.com/vadd99/bootable-recovery/internal/model"
)

// restoreCommand implements "bootable-recovery restore".
type restoreCommand struct {
	archiveBase string
	destDir     string
	password    string
}

func (c *restoreCommand) setup(app *App, parent *kingpin.Application) {
	cmd := parent.Command("restore", "Restore a tar archive (family) into a directory.")

	cmd.Arg("archive", "Archive base path (or split-family base).").Required().StringVar(&c.archiveBase)
	cmd.Arg("dest", "Destination directory.").Required().StringVar(&c.destDir)
	cmd.Flag("password", "Decryption password (only meaningful for encrypted archives).").StringVar(&c.password)

	cmd.Action(func(*kingpin.ParseContext) error {
		return c.run(app)
	})
}

func (c *restoreCommand) run(app *App) error {
	job := model.RestoreJob{
		ArchiveBasePath: c.archiveBase,
		DestDir:         c.destDir,
		Password:        c.password,
		CompressCmd:     []string{"compress", "-d", "-c"},
		EncryptCmd:      []string{"cipher", "dec", "--key", c.password},
	}

	pr := newTextProgress(app.stdout(), app.colorsEnabled())

	err := coordinator.RunRestore(context.Background(), job, pr.onEvent)
	pr.finish()

	if err != nil {
		app.reportError(err)
		return err
	}

	app.printStdout("restore complete\n")

	return nil
}
