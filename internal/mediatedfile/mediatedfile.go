// Package mediatedfile wraps *os.File so a read/write/sync that fails
// because the file descriptor was transiently closed by a concurrent
// Go runtime signal handler (EINTR turning into a closed fd on some
// platforms under heavy signal load) is retried once against a freshly
// reopened descriptor rather than surfacing a spurious I/O error.
package mediatedfile

import (
	"errors"
	"io"
	"os"
	"sync"

	"github.com/persistit/persistit/internal/errs"
)

// File mediates access to one on-disk path, transparently reopening
// the underlying descriptor if an operation reports it closed.
type File struct {
	mu   sync.Mutex
	path string
	flag int
	perm os.FileMode
	f    *os.File
}

// Open opens path as a mediated file using the given flags/perm.
func Open(path string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistitIO, err, "opening "+path)
	}
	return &File{path: path, flag: flag, perm: perm, f: f}, nil
}

// isClosedDescriptor reports whether err indicates the underlying fd
// was closed out from under us rather than a genuine I/O failure.
func isClosedDescriptor(err error) bool {
	return errors.Is(err, os.ErrClosed)
}

// reopen closes (if possible) and reopens the underlying descriptor at
// its prior flags, for use after isClosedDescriptor reports true.
func (mf *File) reopen() error {
	if mf.f != nil {
		_ = mf.f.Close()
	}
	f, err := os.OpenFile(mf.path, mf.flag, mf.perm)
	if err != nil {
		return errs.Wrap(errs.KindIOInterrupted, err, "reopening "+mf.path+" after interrupt")
	}
	mf.f = f
	return nil
}

// ReadAt retries once through a reopen if the descriptor was found
// closed underneath the call.
func (mf *File) ReadAt(b []byte, off int64) (int, error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	n, err := mf.f.ReadAt(b, off)
	if err != nil && err != io.EOF && isClosedDescriptor(err) {
		if rerr := mf.reopen(); rerr != nil {
			return n, rerr
		}
		n, err = mf.f.ReadAt(b, off)
	}
	if err != nil && err != io.EOF {
		return n, errs.Wrap(errs.KindPersistitIO, err, "reading "+mf.path)
	}
	return n, err
}

// WriteAt retries once through a reopen if the descriptor was found
// closed underneath the call.
func (mf *File) WriteAt(b []byte, off int64) (int, error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	n, err := mf.f.WriteAt(b, off)
	if err != nil && isClosedDescriptor(err) {
		if rerr := mf.reopen(); rerr != nil {
			return n, rerr
		}
		n, err = mf.f.WriteAt(b, off)
	}
	if err != nil {
		return n, errs.Wrap(errs.KindPersistitIO, err, "writing "+mf.path)
	}
	return n, nil
}

// Sync flushes to stable storage, retrying once through a reopen on a
// closed-descriptor failure.
func (mf *File) Sync() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	err := fsync(mf.f)
	if err != nil && isClosedDescriptor(err) {
		if rerr := mf.reopen(); rerr != nil {
			return rerr
		}
		err = fsync(mf.f)
	}
	if err != nil {
		return errs.Wrap(errs.KindPersistitIO, err, "syncing "+mf.path)
	}
	return nil
}

// Truncate resizes the underlying file.
func (mf *File) Truncate(size int64) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if err := mf.f.Truncate(size); err != nil {
		return errs.Wrap(errs.KindPersistitIO, err, "truncating "+mf.path)
	}
	return nil
}

// Size returns the current file size.
func (mf *File) Size() (int64, error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	st, err := mf.f.Stat()
	if err != nil {
		return 0, errs.Wrap(errs.KindPersistitIO, err, "stating "+mf.path)
	}
	return st.Size(), nil
}

// Close closes the underlying descriptor.
func (mf *File) Close() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()
	if mf.f == nil {
		return nil
	}
	err := mf.f.Close()
	mf.f = nil
	if err != nil {
		return errs.Wrap(errs.KindPersistitIO, err, "closing "+mf.path)
	}
	return nil
}

// Path returns the path this file mediates.
func (mf *File) Path() string { return mf.path }
