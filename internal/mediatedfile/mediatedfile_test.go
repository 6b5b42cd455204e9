package mediatedfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.dat")
	f, err := Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	n, err := f.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, f.Sync())

	buf := make([]byte, 5)
	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestSizeAndTruncate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.dat")
	f, err := Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteAt(make([]byte, 100), 0)
	require.NoError(t, err)
	sz, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(100), sz)

	require.NoError(t, f.Truncate(10))
	sz, err = f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(10), sz)
}

func TestReopenAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.dat")
	f, err := Open(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.reopen())
	_, err = f.WriteAt([]byte("x"), 0)
	require.NoError(t, err)
}
