package txn

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
	"github.com/persistit/persistit/internal/page"
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

func TestCommitThenVisibleToLaterSnapshot(t *testing.T) {
	tree := newTestTree(t)
	mgr := NewManager(0, time.Millisecond)
	ctx := context.Background()

	txn1 := mgr.Begin(ctx)
	txn1.Put(tree, []byte("k"), []byte("v1"))
	require.NoError(t, txn1.Commit(ctx, SoftCommit))

	txn2 := mgr.Begin(ctx)
	v, found, err := txn2.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestSnapshotIsolationHidesLaterCommit(t *testing.T) {
	tree := newTestTree(t)
	mgr := NewManager(0, time.Millisecond)
	ctx := context.Background()

	txn1 := mgr.Begin(ctx)
	txn1.Put(tree, []byte("k"), []byte("v1"))
	require.NoError(t, txn1.Commit(ctx, SoftCommit))

	reader := mgr.Begin(ctx)

	txn2 := mgr.Begin(ctx)
	txn2.Put(tree, []byte("k"), []byte("v2"))
	require.NoError(t, txn2.Commit(ctx, SoftCommit))

	v, found, err := reader.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestReadYourOwnWrite(t *testing.T) {
	tree := newTestTree(t)
	mgr := NewManager(0, time.Millisecond)
	ctx := context.Background()

	txn := mgr.Begin(ctx)
	txn.Put(tree, []byte("k"), []byte("v1"))
	v, found, err := txn.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), v)
}

func TestDeleteProducesTombstone(t *testing.T) {
	tree := newTestTree(t)
	mgr := NewManager(0, time.Millisecond)
	ctx := context.Background()

	txn1 := mgr.Begin(ctx)
	txn1.Put(tree, []byte("k"), []byte("v1"))
	require.NoError(t, txn1.Commit(ctx, SoftCommit))

	txn2 := mgr.Begin(ctx)
	txn2.Delete(tree, []byte("k"))
	require.NoError(t, txn2.Commit(ctx, SoftCommit))

	txn3 := mgr.Begin(ctx)
	_, found, err := txn3.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestWriteWriteConflictFailsAfterRetries(t *testing.T) {
	tree := newTestTree(t)
	mgr := NewManager(0, time.Millisecond)
	ctx := context.Background()

	base := mgr.Begin(ctx)
	base.Put(tree, []byte("k"), []byte("base"))
	require.NoError(t, base.Commit(ctx, SoftCommit))

	stale := mgr.Begin(ctx)
	// Advance the snapshot clock past stale's start without stale
	// observing it, by committing a newer writer in between.
	newer := mgr.Begin(ctx)
	newer.Put(tree, []byte("k"), []byte("newer"))
	require.NoError(t, newer.Commit(ctx, SoftCommit))

	stale.Put(tree, []byte("k"), []byte("conflict"))
	err := stale.Commit(ctx, SoftCommit)
	require.Error(t, err)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	tree := newTestTree(t)
	mgr := NewManager(0, time.Millisecond)
	ctx := context.Background()

	txn := mgr.Begin(ctx)
	txn.Put(tree, []byte("k"), []byte("v1"))
	txn.Rollback()

	reader := mgr.Begin(ctx)
	_, found, err := reader.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestAccumulatorSum(t *testing.T) {
	mgr := NewManager(0, time.Millisecond)
	accs := mgr.Accumulators("ledger")
	counter := accs.Get("balance", AccSum)
	counter.Apply(5)
	counter.Apply(-2)
	require.Equal(t, int64(3), counter.Value())
}

func TestOldestActiveSnapshotTracksLongestOpenReader(t *testing.T) {
	mgr := NewManager(0, time.Millisecond)
	ctx := context.Background()

	reader := mgr.Begin(ctx)
	readerStart := reader.StartTimestamp()

	later := mgr.Begin(ctx)
	require.NoError(t, later.Commit(ctx, SoftCommit))

	require.Equal(t, readerStart, mgr.OldestActiveSnapshot())

	reader.Rollback()
	require.Equal(t, mgr.CurrentTimestamp(), mgr.OldestActiveSnapshot())
}
