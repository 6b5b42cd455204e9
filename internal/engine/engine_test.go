package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/persistit/persistit/internal/btree"
	"github.com/persistit/persistit/internal/logctx"
	"github.com/persistit/persistit/internal/txn"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	volPath := filepath.Join(dir, "data.vol")
	return Config{
		DataPath:    dir,
		JournalPath: filepath.Join(dir, "journal"),
		JournalSize: 1 << 20,
		Volumes: []VolumeSpec{
			{Name: "main", Path: volPath, Create: true, PageSize: 4096, InitialSize: 4096},
		},
		MaxKeysPerPage: 8,
	}
}

func TestOpenCreatesVolumeAndTree(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	tree, err := e.GetTree(ctx, "main", "accounts", true)
	require.NoError(t, err)
	require.NotNil(t, tree)

	_, err = e.GetTree(ctx, "main", "missing", false)
	require.Error(t, err)
}

func TestBeginCommitFetchAndTraverse(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	tree, err := e.GetTree(ctx, "main", "accounts", true)
	require.NoError(t, err)

	tx := e.Begin(ctx)
	tx.Put(tree, []byte("alice"), []byte("100"))
	tx.Put(tree, []byte("bob"), []byte("200"))
	require.NoError(t, tx.Commit(ctx, txn.SoftCommit))

	reader := e.Begin(ctx)
	v, found, err := reader.Get(ctx, tree, []byte("alice"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("100"), v)

	kvs, err := e.Traverse(ctx, reader, tree, btree.GTEQ, nil, 0, true)
	require.NoError(t, err)
	require.Len(t, kvs, 2)
}

func TestTraverseSkipsDeletedByDefault(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	tree, err := e.GetTree(ctx, "main", "accounts", true)
	require.NoError(t, err)

	w := e.Begin(ctx)
	w.Put(tree, []byte("alice"), []byte("100"))
	require.NoError(t, w.Commit(ctx, txn.SoftCommit))

	d := e.Begin(ctx)
	d.Delete(tree, []byte("alice"))
	require.NoError(t, d.Commit(ctx, txn.SoftCommit))

	reader := e.Begin(ctx)
	kvs, err := e.Traverse(ctx, reader, tree, btree.GTEQ, nil, 0, true)
	require.NoError(t, err)
	require.Len(t, kvs, 0)

	kvsAll, err := e.Traverse(ctx, reader, tree, btree.GTEQ, nil, 0, false)
	require.NoError(t, err)
	require.Len(t, kvsAll, 1)
}

func TestCheckpointAndReopenRecoversState(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	tree, err := e.GetTree(ctx, "main", "accounts", true)
	require.NoError(t, err)

	w := e.Begin(ctx)
	w.Put(tree, []byte("alice"), []byte("100"))
	require.NoError(t, w.Commit(ctx, txn.HardCommit))

	_, err = e.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	tree2, err := e2.GetTree(ctx, "main", "accounts", false)
	require.NoError(t, err)

	reader := e2.Begin(ctx)
	v, found, err := reader.Get(ctx, tree2, []byte("alice"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("100"), v)
}

func TestAccumulatorSurvivesCheckpointAndReopen(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)

	set := e.txnMgr.Accumulators("accounts")
	acc := set.Get("row_count", txn.AccSum)
	acc.Apply(3)
	acc.Apply(4)

	_, err = e.Checkpoint()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e2, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e2.Close() })

	set2 := e2.txnMgr.Accumulators("accounts")
	acc2 := set2.Get("row_count", txn.AccSum)
	require.Equal(t, int64(7), acc2.Value())
}

func TestRemoveTreeDropsDirectoryEntry(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	_, err = e.GetTree(ctx, "main", "scratch", true)
	require.NoError(t, err)

	require.NoError(t, e.RemoveTree(ctx, "main", "scratch"))

	_, err = e.GetTree(ctx, "main", "scratch", false)
	require.Error(t, err)
}

func TestCleanupRunsThroughEngine(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	tree, err := e.GetTree(ctx, "main", "accounts", true)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		w := e.Begin(ctx)
		w.Put(tree, []byte("k"), []byte("old"))
		require.NoError(t, w.Commit(ctx, txn.SoftCommit))
	}
	w := e.Begin(ctx)
	w.Put(tree, []byte("k"), []byte("new"))
	require.NoError(t, w.Commit(ctx, txn.SoftCommit))

	_, err = e.Cleanup(ctx, tree)
	require.NoError(t, err)

	reader := e.Begin(ctx)
	v, found, err := reader.Get(ctx, tree, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("new"), v)
}

func TestFlushAndCopyBackPages(t *testing.T) {
	cfg := testConfig(t)
	e, err := Open(cfg, logctx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ctx := context.Background()
	tree, err := e.GetTree(ctx, "main", "accounts", true)
	require.NoError(t, err)

	w := e.Begin(ctx)
	w.Put(tree, []byte("alice"), []byte("100"))
	require.NoError(t, w.Commit(ctx, txn.SoftCommit))

	require.NoError(t, e.CopyBackPages())
	require.NoError(t, e.Flush())
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persistit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("datapath: "+dir+"\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, dir+"/journal", cfg.JournalPath)
	require.Equal(t, int64(64<<20), cfg.JournalSize)
	require.Equal(t, 5*time.Second, cfg.Timeout)
	require.Equal(t, 64, cfg.MaxKeysPerPage)
}
