package btree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/persistit/persistit/internal/buffer"
	"github.com/persistit/persistit/internal/page"
	"github.com/persistit/persistit/internal/volume"
)

func testVolume(t *testing.T) (*volume.Volume, *buffer.Pool) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.vol")

	var vol *volume.Volume
	loader := func(key buffer.PageKey) (*page.Page, error) {
		return vol.ReadPage(key.Addr)
	}
	writeBack := func(key buffer.PageKey, p *page.Page) error {
		return vol.WritePage(p)
	}
	pool := buffer.New(64, 4096, loader, writeBack, time.Second)

	v, err := volume.Open(path, volume.OpenOptions{
		Create:      true,
		InitialSize: 4096,
		PageSize:    4096,
	}, testLogger())
	require.NoError(t, err)
	vol = v

	t.Cleanup(func() {
		_ = vol.Close()
		_ = os.RemoveAll(dir)
	})
	return vol, pool
}

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	vol, pool := testVolume(t)
	addr, err := vol.AllocatePage()
	require.NoError(t, err)
	root := page.NewLeaf(addr, vol.PageSize())
	require.NoError(t, vol.WritePage(root))
	return NewTree(vol, pool, 1, addr, 8, page.NiceBias, testLogger())
}

func TestInsertAndSearch(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()

	require.NoError(t, tree.Insert(ctx, []byte("bravo"), []byte("2")))
	require.NoError(t, tree.Insert(ctx, []byte("alpha"), []byte("1")))
	require.NoError(t, tree.Insert(ctx, []byte("charlie"), []byte("3")))

	v, found, err := tree.Search(ctx, []byte("alpha"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), v)

	_, found, err = tree.Search(ctx, []byte("zulu"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestInsertTriggersSplitAndNewRoot(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()

	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		require.NoError(t, tree.Insert(ctx, key, []byte(fmt.Sprintf("v%d", i))))
	}
	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("k%04d", i))
		v, found, err := tree.Search(ctx, key)
		require.NoError(t, err)
		require.True(t, found, "missing key %s", key)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), v)
	}
}

func TestUpdateOverwritesValue(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tree.Insert(ctx, []byte("k"), []byte("v1")))
	require.NoError(t, tree.Insert(ctx, []byte("k"), []byte("v2")))
	v, found, err := tree.Search(ctx, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)
}

func TestRemoveDeletesKey(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()
	require.NoError(t, tree.Insert(ctx, []byte("k1"), []byte("v1")))
	require.NoError(t, tree.Insert(ctx, []byte("k2"), []byte("v2")))
	require.NoError(t, tree.Remove(ctx, []byte("k1")))

	_, found, err := tree.Search(ctx, []byte("k1"))
	require.NoError(t, err)
	require.False(t, found)

	v, found, err := tree.Search(ctx, []byte("k2"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v2"), v)
}

func TestTraverseAscendingBoundaries(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		require.NoError(t, tree.Insert(ctx, []byte(k), []byte(k+"-v")))
	}

	gt, err := tree.Traverse(ctx, GT, []byte("b"), 0)
	require.NoError(t, err)
	require.Len(t, gt, 3)
	require.Equal(t, []byte("c"), gt[0].Key)

	gteq, err := tree.Traverse(ctx, GTEQ, []byte("b"), 0)
	require.NoError(t, err)
	require.Len(t, gteq, 4)
	require.Equal(t, []byte("b"), gteq[0].Key)
}

func TestTraverseDescendingBoundaries(t *testing.T) {
	tree := newTestTree(t)
	ctx := context.Background()
	keys := []string{"a", "b", "c", "d", "e"}
	for _, k := range keys {
		require.NoError(t, tree.Insert(ctx, []byte(k), []byte(k+"-v")))
	}

	lt, err := tree.Traverse(ctx, LT, []byte("c"), 0)
	require.NoError(t, err)
	require.Len(t, lt, 2)
	require.Equal(t, []byte("b"), lt[0].Key)

	lteq, err := tree.Traverse(ctx, LTEQ, []byte("c"), 0)
	require.NoError(t, err)
	require.Len(t, lteq, 3)
	require.Equal(t, []byte("c"), lteq[0].Key)
}

func TestDirectoryRoundTrip(t *testing.T) {
	vol, pool := testVolume(t)
	addr, err := vol.AllocatePage()
	require.NoError(t, err)
	root := page.NewLeaf(addr, vol.PageSize())
	require.NoError(t, vol.WritePage(root))

	tree := NewTree(vol, pool, 1, addr, 8, page.NiceBias, testLogger())
	dir := NewDirectory(tree)
	vol.SetDirectory(dir)

	ctx := context.Background()
	treeAddr, err := vol.CreateTree(ctx, "customers")
	require.NoError(t, err)
	require.NotZero(t, treeAddr)

	got, found, err := vol.TreeRoot(ctx, "customers")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, treeAddr, got)

	_, err = vol.CreateTree(ctx, "customers")
	require.Error(t, err)
}
