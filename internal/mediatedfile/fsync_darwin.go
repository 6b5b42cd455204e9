//go:build darwin

package mediatedfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// fsync uses F_FULLFSYNC on macOS, where plain fsync(2) only flushes
// to the drive's write cache rather than the platter.
func fsync(f *os.File) error {
	_, err := unix.FcntlInt(f.Fd(), unix.F_FULLFSYNC, 0)
	if err != nil {
		return f.Sync()
	}
	return nil
}
