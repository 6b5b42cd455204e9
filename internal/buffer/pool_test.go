package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/persistit/persistit/internal/page"
)

func testPool(capacity int) (*Pool, *sync.Map) {
	store := &sync.Map{}
	loader := func(key PageKey) (*page.Page, error) {
		if v, ok := store.Load(key); ok {
			return v.(*page.Page), nil
		}
		return page.NewLeaf(key.Addr, 4096), nil
	}
	writeBack := func(key PageKey, p *page.Page) error {
		store.Store(key, p)
		return nil
	}
	return New(capacity, 4096, loader, writeBack, 200*time.Millisecond), store
}

func TestPoolGetMissThenHit(t *testing.T) {
	pool, _ := testPool(4)
	key := PageKey{VolumeID: 1, Addr: 10}

	g1, err := pool.Get(context.Background(), key, Read)
	require.NoError(t, err)
	g1.Release()

	g2, err := pool.Get(context.Background(), key, Read)
	require.NoError(t, err)
	g2.Release()

	stats := pool.Stats()
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Hits)
}

func TestPoolEvictsDirtyThroughWriteBack(t *testing.T) {
	pool, store := testPool(1)

	k1 := PageKey{VolumeID: 1, Addr: 1}
	g1, err := pool.Get(context.Background(), k1, Write)
	require.NoError(t, err)
	g1.MarkDirty(5)
	g1.Release()

	k2 := PageKey{VolumeID: 1, Addr: 2}
	g2, err := pool.Get(context.Background(), k2, Read)
	require.NoError(t, err)
	g2.Release()

	_, ok := store.Load(k1)
	require.True(t, ok, "dirty frame should have been written back before eviction")
}

func TestExclusiveClaimBlocksWriter(t *testing.T) {
	pool, _ := testPool(2)
	key := PageKey{VolumeID: 1, Addr: 1}

	g1, err := pool.Get(context.Background(), key, Write)
	require.NoError(t, err)

	_, err = pool.Get(context.Background(), key, Write)
	require.Error(t, err)

	g1.Release()
	g2, err := pool.Get(context.Background(), key, Write)
	require.NoError(t, err)
	g2.Release()
}

func TestInventoryAndPreload(t *testing.T) {
	pool, _ := testPool(4)
	keys := []PageKey{{VolumeID: 1, Addr: 1}, {VolumeID: 1, Addr: 2}}
	for _, k := range keys {
		g, err := pool.Get(context.Background(), k, Read)
		require.NoError(t, err)
		g.Release()
	}
	inv := pool.Inventory()
	require.Len(t, inv, 2)

	fresh, _ := testPool(4)
	fresh.Preload(inv)
	require.Equal(t, 2, fresh.Stats().Resident)
}
