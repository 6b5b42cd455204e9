// Package buffer implements the buffer pool: a fixed set of in-memory
// page frames with two-mode latching, clock-hand eviction that skips
// pinned frames and writes dirty ones back before reusing them, and
// inventory preload.
//
// Modeled on the LRU cache in internal/page/cache.go (Get/Put,
// GetStats, eviction-on-put), generalized from pure LRU recency to a
// clock algorithm that additionally tracks per-frame claim state and
// defers eviction of dirty frames to a page-writer callback.
package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/persistit/persistit/internal/errs"
	"github.com/persistit/persistit/internal/page"
)

// Intent is the access mode requested from Get.
type Intent uint8

const (
	Read Intent = iota
	Write
)

// PageKey identifies a resident page by (volume id, page address).
type PageKey struct {
	VolumeID uint64
	Addr     uint64
}

// WriteBack is called by the pool when a dirty frame must be evicted;
// the implementation (the journal manager's page writer) is responsible
// for making the image durable before returning.
type WriteBack func(key PageKey, p *page.Page) error

// Loader fetches a page's bytes from its volume on a cache miss.
type Loader func(key PageKey) (*page.Page, error)

type frame struct {
	mu sync.Mutex

	key      PageKey
	resident bool
	p        *page.Page
	dirty    bool
	pinCount int
	clockBit bool
	lastUsed time.Time

	claim claim
}

// claim is a two-mode latch: any number of shared holders, or exactly
// one exclusive holder.
//
// Waiters poll on a short tick rather than a condition variable, which
// avoids tying Cond.Wait's lock ownership to a goroutine other than the
// one that acquired it.
type claim struct {
	mu        sync.Mutex
	sharedN   int
	exclusive bool
}

func newClaim() *claim {
	return &claim{}
}

const pollInterval = 2 * time.Millisecond

func (c *claim) lockShared(ctx context.Context, timeout time.Duration) error {
	return c.wait(ctx, timeout, func() bool {
		if c.exclusive {
			return false
		}
		c.sharedN++
		return true
	})
}

func (c *claim) lockExclusive(ctx context.Context, timeout time.Duration) error {
	return c.wait(ctx, timeout, func() bool {
		if c.exclusive || c.sharedN > 0 {
			return false
		}
		c.exclusive = true
		return true
	})
}

func (c *claim) wait(ctx context.Context, timeout time.Duration, tryAcquire func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		ok := tryAcquire()
		c.mu.Unlock()
		if ok {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return errs.New(errs.KindTimeout, "claim not acquired within timeout")
		}
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.KindPersistitInterrupted, ctx.Err(), "interrupted waiting for claim")
		case <-time.After(pollInterval):
		}
	}
}

// tryUpgrade attempts shared->exclusive in place when this goroutine is
// the sole shared holder; otherwise the caller must release and
// reacquire.
func (c *claim) tryUpgrade() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sharedN == 1 && !c.exclusive {
		c.sharedN = 0
		c.exclusive = true
		return true
	}
	return false
}

func (c *claim) releaseShared() {
	c.mu.Lock()
	c.sharedN--
	c.mu.Unlock()
}

func (c *claim) releaseExclusive() {
	c.mu.Lock()
	c.exclusive = false
	c.mu.Unlock()
}

// Guard is a latched handle to a resident page; releasing it (Release)
// drops the claim.
type Guard struct {
	pool   *Pool
	fr     *frame
	intent Intent
}

func (g *Guard) Page() *page.Page { return g.fr.p }

// MarkDirty flags the frame as modified since its last durable image.
func (g *Guard) MarkDirty(ts uint64) {
	g.fr.mu.Lock()
	g.fr.dirty = true
	g.fr.p.Header.Timestamp = ts
	g.fr.mu.Unlock()
}

// Release drops this guard's claim on the frame.
func (g *Guard) Release() {
	if g.intent == Write {
		g.fr.claim.releaseExclusive()
	} else {
		g.fr.claim.releaseShared()
	}
	g.fr.mu.Lock()
	g.fr.pinCount--
	g.fr.mu.Unlock()
}

// Stats mirrors the GetCacheStats/IOReads reporting pattern, generalized
// into the buffer pool's diagnostics.
type Stats struct {
	Capacity  int
	Resident  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// Pool is a fixed-capacity set of frames for a single page size.
type Pool struct {
	pageSize int
	frames   []*frame
	index    map[PageKey]int // key -> frame slot; absent keys have no entry
	mu       sync.Mutex       // protects index and the clock hand
	hand     int

	loader    Loader
	writeBack WriteBack
	timeout   time.Duration

	metrics             *metrics
	statMu              sync.Mutex
	hitN, missN, evictN uint64
}

// New creates a pool of capacity frames for the given page size.
func New(capacity int, pageSize int, loader Loader, writeBack WriteBack, timeout time.Duration) *Pool {
	p := &Pool{
		pageSize:  pageSize,
		frames:    make([]*frame, capacity),
		index:     make(map[PageKey]int, capacity),
		loader:    loader,
		writeBack: writeBack,
		timeout:   timeout,
		metrics:   newMetrics(pageSize),
	}
	for i := range p.frames {
		p.frames[i] = &frame{claim: *newClaim()}
	}
	return p
}

// Get returns a latched Guard for (volume, addr), loading it from disk
// via Loader on a miss. InUse/Timeout surfaces if the claim cannot be
// acquired within the pool's configured timeout.
func (p *Pool) Get(ctx context.Context, key PageKey, intent Intent) (*Guard, error) {
	slot, hit := p.acquireSlot(key)

	fr := p.frames[slot]
	if !hit {
		loaded, err := p.loader(key)
		if err != nil {
			p.mu.Lock()
			delete(p.index, key)
			p.mu.Unlock()
			return nil, err
		}
		fr.mu.Lock()
		fr.key = key
		fr.resident = true
		fr.p = loaded
		fr.dirty = false
		fr.mu.Unlock()
	}

	if intent == Write {
		if err := fr.claim.lockExclusive(ctx, p.timeout); err != nil {
			return nil, err
		}
	} else {
		if err := fr.claim.lockShared(ctx, p.timeout); err != nil {
			return nil, err
		}
	}

	fr.mu.Lock()
	fr.pinCount++
	fr.lastUsed = time.Now()
	fr.clockBit = true
	fr.mu.Unlock()

	return &Guard{pool: p, fr: fr, intent: intent}, nil
}

// acquireSlot finds or allocates a frame for key, evicting if necessary,
// and records a hit/miss for Stats.
func (p *Pool) acquireSlot(key PageKey) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot, ok := p.index[key]; ok {
		p.statMu.Lock()
		p.hitN++
		p.statMu.Unlock()
		p.metrics.hits.Inc()
		return slot, true
	}

	p.statMu.Lock()
	p.missN++
	p.statMu.Unlock()
	p.metrics.misses.Inc()

	slot := p.evictOne()
	p.index[key] = slot
	return slot, false
}

// evictOne walks the clock hand, skipping pinned frames and clearing the
// clock bit of recently used ones, writes a dirty victim back through
// writeBack before reusing it (skipping it if that write fails), and
// returns a free slot index. Must be called with p.mu held.
func (p *Pool) evictOne() int {
	n := len(p.frames)
	for i := 0; i < 2*n+1; i++ {
		slot := p.hand
		p.hand = (p.hand + 1) % n
		fr := p.frames[slot]

		fr.mu.Lock()
		if !fr.resident {
			fr.mu.Unlock()
			return slot
		}
		if fr.pinCount > 0 {
			fr.mu.Unlock()
			continue
		}
		if fr.clockBit {
			fr.clockBit = false
			fr.mu.Unlock()
			continue
		}
		if fr.dirty {
			oldKey, oldPage := fr.key, fr.p
			fr.mu.Unlock()
			if p.writeBack != nil {
				if err := p.writeBack(oldKey, oldPage); err != nil {
					// Could not make it durable; refuse to evict this
					// frame this sweep rather than lose the write.
					continue
				}
			}
			fr.mu.Lock()
		}
		delete(p.index, fr.key)
		fr.resident = false
		fr.dirty = false
		fr.mu.Unlock()
		p.statMu.Lock()
		p.evictN++
		p.statMu.Unlock()
		p.metrics.evictions.Inc()
		return slot
	}
	// All frames pinned: caller must wait and retry (surfaces as InUse
	// upstream when wrapped with a timeout).
	return p.hand
}

// Stats reports current hit/miss/eviction counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	resident := len(p.index)
	p.mu.Unlock()
	p.statMu.Lock()
	defer p.statMu.Unlock()
	return Stats{
		Capacity:  len(p.frames),
		Resident:  resident,
		Hits:      p.hitN,
		Misses:    p.missN,
		Evictions: p.evictN,
	}
}

// Inventory returns the (volume, addr) pairs currently resident, for
// periodic persistence.
func (p *Pool) Inventory() []PageKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PageKey, 0, len(p.index))
	for k := range p.index {
		out = append(out, k)
	}
	return out
}

// Preload warms the cache with the given keys in parallel, as done at
// open time from a prior inventory snapshot.
func (p *Pool) Preload(keys []PageKey) {
	var wg sync.WaitGroup
	for _, k := range keys {
		k := k
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := p.Get(context.Background(), k, Read)
			if err == nil {
				g.Release()
			}
		}()
	}
	wg.Wait()
}

// Flush writes every dirty resident frame back through WriteBack
// without evicting it, for use by a checkpoint cycle that needs every
// page durable before it records its CP entry.
func (p *Pool) Flush() error {
	p.mu.Lock()
	keys := make([]PageKey, 0, len(p.index))
	for k := range p.index {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for _, key := range keys {
		p.mu.Lock()
		slot, ok := p.index[key]
		p.mu.Unlock()
		if !ok {
			continue
		}
		fr := p.frames[slot]
		fr.mu.Lock()
		if !fr.resident || fr.key != key || !fr.dirty {
			fr.mu.Unlock()
			continue
		}
		pg := fr.p
		fr.mu.Unlock()
		if p.writeBack == nil {
			continue
		}
		if err := p.writeBack(key, pg); err != nil {
			return err
		}
		fr.mu.Lock()
		if fr.resident && fr.key == key {
			fr.dirty = false
		}
		fr.mu.Unlock()
	}
	return nil
}
