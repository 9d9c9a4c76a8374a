//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data only. The rename that publishes it is made
// durable by syncDir.
func syncFile(f *os.File) error {
	if f == nil {
		return nil
	}
	return unix.Fdatasync(int(f.Fd()))
}
