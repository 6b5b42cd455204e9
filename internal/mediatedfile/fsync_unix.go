//go:build linux || freebsd

package mediatedfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// fsync uses fdatasync on Linux/FreeBSD: it skips the metadata flush
// fsync(2) would also perform, which this engine's journal already
// makes redundant for anything but file size changes.
func fsync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
