package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/persistit/persistit/internal/btree"
	"github.com/persistit/persistit/internal/buffer"
	"github.com/persistit/persistit/internal/journal"
	"github.com/persistit/persistit/internal/page"
	"github.com/persistit/persistit/internal/txn"
	"github.com/persistit/persistit/internal/volume"
)

func newTestTree(t *testing.T) *btree.Tree {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vol")

	var vol *volume.Volume
	loader := func(key buffer.PageKey) (*page.Page, error) { return vol.ReadPage(key.Addr) }
	writeBack := func(key buffer.PageKey, p *page.Page) error { return vol.WritePage(p) }
	pool := buffer.New(64, 4096, loader, writeBack, time.Second)

	v, err := volume.Open(path, volume.OpenOptions{Create: true, InitialSize: 4096, PageSize: 4096}, zerolog.Nop())
	require.NoError(t, err)
	vol = v
	t.Cleanup(func() { _ = vol.Close(); _ = os.RemoveAll(dir) })

	addr, err := vol.AllocatePage()
	require.NoError(t, err)
	root := page.NewLeaf(addr, vol.PageSize())
	require.NoError(t, vol.WritePage(root))
	return btree.NewTree(vol, pool, 1, addr, 8, page.NiceBias, zerolog.Nop())
}

func TestProposeAppendsCPAndPrunes(t *testing.T) {
	dir := t.TempDir()
	jm, err := journal.Open(filepath.Join(dir, "journal"), 1<<20, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = jm.Close() })

	flushed := false
	mgr := NewManager(jm, zerolog.Nop())
	mgr.FlushDirty = func() error { flushed = true; return nil }
	mgr.CurrentTimestamp = func() uint64 { return 42 }

	addr, err := mgr.Propose()
	require.NoError(t, err)
	require.True(t, flushed)
	require.NotZero(t, addr)
	require.Equal(t, uint64(42), mgr.LastCheckpoint().Timestamp)
}

func TestCleanupPrunesObsoleteVersions(t *testing.T) {
	tree := newTestTree(t)
	txnMgr := txn.NewManager(0, time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		w := txnMgr.Begin(ctx)
		w.Put(tree, []byte("k"), []byte("v1"))
		require.NoError(t, w.Commit(ctx, txn.SoftCommit))
	}
	w := txnMgr.Begin(ctx)
	w.Put(tree, []byte("k"), []byte("v2"))
	require.NoError(t, w.Commit(ctx, txn.SoftCommit))

	cleanup := NewCleanupManager(zerolog.Nop())
	cleanup.OldestActiveSnapshot = txnMgr.OldestActiveSnapshot

	res, err := cleanup.Run(ctx, tree)
	require.NoError(t, err)
	require.GreaterOrEqual(t, res.KeysPruned, 0)

	reader := txnMgr.Begin(ctx)
	v, found, err := reader.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)
}

func TestCleanupKeepsVersionVisibleToOpenReader(t *testing.T) {
	tree := newTestTree(t)
	txnMgr := txn.NewManager(0, time.Millisecond)
	ctx := context.Background()

	w := txnMgr.Begin(ctx)
	w.Put(tree, []byte("k"), []byte("v1"))
	require.NoError(t, w.Commit(ctx, txn.SoftCommit))

	// Reader begins before the next commit, so its snapshot must still
	// see "v1" even after a cleanup pass runs concurrently.
	reader := txnMgr.Begin(ctx)

	w2 := txnMgr.Begin(ctx)
	w2.Put(tree, []byte("k"), []byte("v2"))
	require.NoError(t, w2.Commit(ctx, txn.SoftCommit))

	cleanup := NewCleanupManager(zerolog.Nop())
	cleanup.OldestActiveSnapshot = txnMgr.OldestActiveSnapshot
	_, err := cleanup.Run(ctx, tree)
	require.NoError(t, err)

	v, found, err := reader.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}
