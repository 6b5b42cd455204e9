//go:build !linux && !freebsd && !darwin

package mediatedfile

import "os"

// fsync falls back to the portable os.File.Sync on platforms without a
// golang.org/x/sys/unix binding wired above.
func fsync(f *os.File) error {
	return f.Sync()
}
