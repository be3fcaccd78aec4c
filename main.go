// Command bootable-recovery backs up and restores Android-style partition
// trees as tar archive families, with optional compression and encryption
// filter subprocesses.
package main

import (
	"github.com/vadd99/bootable-recovery/cli"
	"github.com/vadd99/bootable-recovery/internal/logging"
)

func main() {
	defer logging.Sync()

	cli.Run()
}
