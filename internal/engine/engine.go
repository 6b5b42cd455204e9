package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/persistit/persistit/internal/btree"
	"github.com/persistit/persistit/internal/buffer"
	"github.com/persistit/persistit/internal/checkpoint"
	"github.com/persistit/persistit/internal/errs"
	"github.com/persistit/persistit/internal/journal"
	"github.com/persistit/persistit/internal/logctx"
	"github.com/persistit/persistit/internal/page"
	"github.com/persistit/persistit/internal/recovery"
	"github.com/persistit/persistit/internal/txn"
	"github.com/persistit/persistit/internal/volume"
)

type treeKey struct {
	volume string
	tree   string
}

// Engine wires every storage-core package together behind the
// Exchange-facing API: volume/buffer/btree for paged storage, journal
// for write-ahead durability, txn for snapshot-isolated commits, and
// checkpoint for periodic barriers plus cleanup.
type Engine struct {
	cfg Config
	log *logctx.Registry

	mu            sync.RWMutex
	volumesByName map[string]*volume.Volume
	volumesByID   map[uint64]*volume.Volume
	volumeName    map[uint64]string
	nextVolumeID  uint64

	pools map[int]*buffer.Pool

	jm            *journal.Manager
	txnMgr        *txn.Manager
	checkpointMgr *checkpoint.Manager
	cleanupMgr    *checkpoint.CleanupManager

	trees map[treeKey]*btree.Tree

	checkpointTimestamp prometheus.Gauge

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Open loads cfg's declared volumes, replays the journal against them,
// and returns a ready-to-use Engine.
func Open(cfg Config, log *logctx.Registry) (*Engine, error) {
	if log == nil {
		log = logctx.Nop()
	}
	cfg.applyDefaults()

	e := &Engine{
		cfg:           cfg,
		log:           log,
		volumesByName: map[string]*volume.Volume{},
		volumesByID:   map[uint64]*volume.Volume{},
		volumeName:    map[uint64]string{},
		pools:         map[int]*buffer.Pool{},
		trees:         map[treeKey]*btree.Tree{},
		stopCh:        make(chan struct{}),
		checkpointTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "persistit", Subsystem: "checkpoint", Name: "last_timestamp",
		}),
	}

	jm, err := journal.Open(cfg.JournalPath, cfg.JournalSize, log.For("journal"))
	if err != nil {
		return nil, err
	}
	e.jm = jm

	pathToName := make(map[string]string, len(cfg.Volumes))
	for _, spec := range cfg.Volumes {
		pathToName[spec.Path] = spec.Name
	}

	opener := func(path string) (*volume.Volume, error) {
		return volume.Open(path, volume.OpenOptions{}, log.For("volume"))
	}
	res, recErr := recovery.Recover(cfg.JournalPath, opener, log.For("recovery"))
	if recErr != nil && errs.KindOf(recErr) != errs.KindRecoveryMissingVolumes {
		return nil, recErr
	}
	if res != nil {
		for id, v := range res.Volumes {
			name := pathToName[v.Path()]
			if name == "" {
				name = v.Path()
			}
			e.volumesByID[id] = v
			e.volumesByName[name] = v
			e.volumeName[id] = name
			if id > e.nextVolumeID {
				e.nextVolumeID = id
			}
		}
	}

	for _, spec := range cfg.Volumes {
		if _, ok := e.volumesByName[spec.Name]; ok {
			continue
		}
		v, err := volume.Open(spec.Path, volume.OpenOptions{
			Create:        spec.Create,
			PageSize:      spec.PageSize,
			InitialSize:   spec.InitialSize,
			ExtensionSize: spec.ExtensionSize,
			MaximumSize:   spec.MaximumSize,
		}, log.For("volume"))
		if err != nil {
			return nil, err
		}
		e.nextVolumeID++
		id := e.nextVolumeID
		e.volumesByID[id] = v
		e.volumesByName[spec.Name] = v
		e.volumeName[id] = spec.Name
		if _, err := jm.Append(journal.Record{
			Kind:    journal.KindIV,
			Payload: journal.EncodeIdentifyVolume(journal.IdentifyVolumePayload{VolumeID: id, Path: spec.Path}),
		}); err != nil {
			return nil, err
		}
	}

	for pageSize, count := range cfg.BufferCount {
		e.pools[pageSize] = e.newPoolFor(pageSize, count)
	}
	for _, v := range e.volumesByID {
		if _, ok := e.pools[v.PageSize()]; !ok {
			e.pools[v.PageSize()] = e.newPoolFor(v.PageSize(), 256)
		}
	}

	for id, v := range e.volumesByID {
		if err := e.wireDirectory(id, v); err != nil {
			return nil, err
		}
	}

	startTS := uint64(0)
	if res != nil {
		startTS = res.HighestTimestamp
	}
	e.txnMgr = txn.NewManager(startTS, 10*time.Millisecond)
	e.txnMgr.Sync = e.syncDurable

	e.checkpointMgr = checkpoint.NewManager(jm, log.For("checkpoint"))
	e.checkpointMgr.FlushDirty = e.flushAllPools
	e.checkpointMgr.CurrentTimestamp = e.txnMgr.CurrentTimestamp
	e.checkpointMgr.AccumulatorSnapshot = func() []byte {
		return txn.EncodeAccumulators(e.txnMgr.SnapshotAccumulators())
	}
	if res != nil {
		e.checkpointMgr.SeedLastCheckpoint(res.LastCheckpoint)
		e.checkpointTimestamp.Set(float64(res.LastCheckpoint.Timestamp))
		if len(res.LastCheckpoint.Accumulators) > 0 {
			snapshot, err := txn.DecodeAccumulators(res.LastCheckpoint.Accumulators)
			if err != nil {
				return nil, err
			}
			e.txnMgr.RestoreAccumulators(snapshot)
		}
	}

	e.cleanupMgr = checkpoint.NewCleanupManager(log.For("cleanup"))
	e.cleanupMgr.OldestActiveSnapshot = e.txnMgr.OldestActiveSnapshot

	if res != nil {
		for _, tr := range res.Trees {
			v, ok := e.volumesByID[tr.VolumeID]
			if !ok {
				continue
			}
			name := e.volumeName[tr.VolumeID]
			t := btree.NewTree(v, e.poolFor(v.PageSize()), tr.VolumeID, tr.RootAddr, cfg.MaxKeysPerPage, cfg.splitPolicy(), log.For("btree"))
			e.trees[treeKey{name, tr.TreeName}] = t
		}
	}

	if cfg.CheckpointInterval > 0 {
		e.wg.Add(1)
		go e.checkpointLoop(cfg.CheckpointInterval)
	}

	return e, nil
}

func (e *Engine) newPoolFor(pageSize, count int) *buffer.Pool {
	loader := func(key buffer.PageKey) (*page.Page, error) {
		e.mu.RLock()
		v, ok := e.volumesByID[key.VolumeID]
		e.mu.RUnlock()
		if !ok {
			return nil, errs.Newf(errs.KindVolumeNotFound, "volume %d not open", key.VolumeID)
		}
		return v.ReadPage(key.Addr)
	}
	writeBack := func(key buffer.PageKey, p *page.Page) error {
		e.mu.RLock()
		v, ok := e.volumesByID[key.VolumeID]
		e.mu.RUnlock()
		if !ok {
			return errs.Newf(errs.KindVolumeNotFound, "volume %d not open", key.VolumeID)
		}
		image, err := p.Encode(v.PageSize())
		if err != nil {
			return err
		}
		// The page image is journaled before it is applied to the
		// volume: a crash between the two leaves a PA record recovery
		// can safely redo, since redoing an already-applied image is
		// idempotent.
		if _, err := e.jm.Append(journal.Record{
			Kind:    journal.KindPA,
			Payload: journal.EncodePageImage(journal.PageImagePayload{VolumeID: key.VolumeID, Addr: key.Addr, Image: image}),
		}); err != nil {
			return err
		}
		return v.WritePage(p)
	}
	return buffer.New(count, pageSize, loader, writeBack, e.cfg.Timeout)
}

func (e *Engine) poolFor(pageSize int) *buffer.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[pageSize]
	if !ok {
		p = e.newPoolFor(pageSize, 256)
		e.pools[pageSize] = p
	}
	return p
}

func (e *Engine) wireDirectory(id uint64, v *volume.Volume) error {
	pool := e.poolFor(v.PageSize())
	root := v.DirectoryRoot()
	if root == 0 {
		addr, err := v.AllocatePage()
		if err != nil {
			return err
		}
		leaf := page.NewLeaf(addr, v.PageSize())
		if err := v.WritePage(leaf); err != nil {
			return err
		}
		if err := v.SetDirectoryRoot(addr); err != nil {
			return err
		}
		root = addr
	}
	tree := btree.NewTree(v, pool, id, root, e.cfg.MaxKeysPerPage, e.cfg.splitPolicy(), e.log.For("btree"))
	v.SetDirectory(btree.NewDirectory(tree))
	return nil
}

func (e *Engine) flushAllPools() error {
	e.mu.RLock()
	pools := make([]*buffer.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		pools = append(pools, p)
	}
	vols := make([]*volume.Volume, 0, len(e.volumesByID))
	for _, v := range e.volumesByID {
		vols = append(vols, v)
	}
	e.mu.RUnlock()

	for _, p := range pools {
		if err := p.Flush(); err != nil {
			return err
		}
	}
	for _, v := range vols {
		if err := v.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// syncDurable is txn.Manager's Sync hook for HardCommit/GroupCommit: it
// only needs to make the journal durable, since committed MVV chains
// already landed in the buffer pool via Tree.Insert and ride out to disk
// on the next checkpoint or natural eviction.
func (e *Engine) syncDurable() error {
	return e.jm.Sync()
}

func (e *Engine) checkpointLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if _, err := e.Checkpoint(); err != nil {
				e.log.For("checkpoint").Error().Err(err).Msg("checkpoint cycle failed")
			}
		}
	}
}

// Begin starts a new snapshot-isolated transaction.
func (e *Engine) Begin(ctx context.Context) *txn.Txn {
	return e.txnMgr.Begin(ctx)
}

// GetTree resolves the named tree within volumeName, creating it (and
// recording an IT journal record) if createIfAbsent is set and it does
// not yet exist.
func (e *Engine) GetTree(ctx context.Context, volumeName, treeName string, createIfAbsent bool) (*btree.Tree, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := treeKey{volumeName, treeName}
	if t, ok := e.trees[key]; ok {
		return t, nil
	}

	v, ok := e.volumesByName[volumeName]
	if !ok {
		return nil, errs.Newf(errs.KindVolumeNotFound, "volume %q not open", volumeName)
	}

	root, found, err := v.TreeRoot(ctx, treeName)
	if err != nil {
		return nil, err
	}
	if !found {
		if !createIfAbsent {
			return nil, errs.Newf(errs.KindTreeNotFound, "tree %q not found in volume %q", treeName, volumeName)
		}
		root, err = v.CreateTree(ctx, treeName)
		if err != nil {
			return nil, err
		}
		var volID uint64
		for id, name := range e.volumeName {
			if name == volumeName {
				volID = id
				break
			}
		}
		if _, err := e.jm.Append(journal.Record{
			Kind:    journal.KindIT,
			Payload: journal.EncodeIdentifyTree(journal.IdentifyTreePayload{VolumeID: volID, TreeName: treeName, RootAddr: root}),
		}); err != nil {
			return nil, err
		}
	}

	var volID uint64
	for id, name := range e.volumeName {
		if name == volumeName {
			volID = id
			break
		}
	}
	t := btree.NewTree(v, e.poolFor(v.PageSize()), volID, root, e.cfg.MaxKeysPerPage, e.cfg.splitPolicy(), e.log.For("btree"))
	e.trees[key] = t
	return t, nil
}

// CreateTree is GetTree with createIfAbsent forced true, surfacing
// TreeAlreadyExists if the tree already exists, either registered in
// memory or already present in the volume's on-disk directory.
func (e *Engine) CreateTree(ctx context.Context, volumeName, treeName string) error {
	e.mu.RLock()
	_, exists := e.trees[treeKey{volumeName, treeName}]
	v, volOK := e.volumesByName[volumeName]
	e.mu.RUnlock()
	if exists {
		return errs.Newf(errs.KindTreeAlreadyExists, "tree %q already exists in volume %q", treeName, volumeName)
	}
	if !volOK {
		return errs.Newf(errs.KindVolumeNotFound, "volume %q not open", volumeName)
	}
	if _, found, err := v.TreeRoot(ctx, treeName); err != nil {
		return err
	} else if found {
		return errs.Newf(errs.KindTreeAlreadyExists, "tree %q already exists in volume %q", treeName, volumeName)
	}
	_, err := e.GetTree(ctx, volumeName, treeName, true)
	return err
}

// RemoveTree drops a tree's directory entry. Reclaiming its pages is a
// separate, slower walk left to a future cleanup cycle; dropping the
// directory entry alone already makes the tree unreachable.
func (e *Engine) RemoveTree(ctx context.Context, volumeName, treeName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.volumesByName[volumeName]
	if !ok {
		return errs.Newf(errs.KindVolumeNotFound, "volume %q not open", volumeName)
	}
	if err := v.DropTree(ctx, treeName); err != nil {
		return err
	}
	delete(e.trees, treeKey{volumeName, treeName})
	return nil
}

// Traverse scans tree starting from the boundary mode/key define,
// decoding each MVV chain and keeping only the version visible to tx's
// snapshot; tombstoned keys are dropped unless skipDeleted is false.
func (e *Engine) Traverse(ctx context.Context, tx *txn.Txn, tree *btree.Tree, mode btree.TraversalMode, key []byte, limit int, skipDeleted bool) ([]btree.KV, error) {
	raw, err := tree.Traverse(ctx, mode, key, 0)
	if err != nil {
		return nil, err
	}
	out := make([]btree.KV, 0, len(raw))
	for _, kv := range raw {
		value, deleted, found, err := txn.VisibleValue(kv.Value, tx.StartTimestamp())
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if deleted && skipDeleted {
			continue
		}
		out = append(out, btree.KV{Key: kv.Key, Value: value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// TreeHandle names one registered (volume, tree) pair.
type TreeHandle struct {
	Volume string
	Tree   string
}

// Trees lists every tree registered so far, for tooling that wants to
// walk the whole data directory without knowing tree names in advance.
func (e *Engine) Trees() []TreeHandle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TreeHandle, 0, len(e.trees))
	for k := range e.trees {
		out = append(out, TreeHandle{Volume: k.volume, Tree: k.tree})
	}
	return out
}

// Checkpoint runs one checkpoint proposal cycle.
func (e *Engine) Checkpoint() (journal.Address, error) {
	addr, err := e.checkpointMgr.Propose()
	if err == nil {
		e.checkpointTimestamp.Set(float64(e.checkpointMgr.LastCheckpoint().Timestamp))
	}
	return addr, err
}

// Collectors returns every buffer pool's prometheus counters, for a
// host process to register with its own registry; persistitctl's
// point-in-time stat snapshot uses PoolStats instead and never touches
// a registry.
func (e *Engine) Collectors() []prometheus.Collector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := []prometheus.Collector{e.checkpointTimestamp}
	for _, p := range e.pools {
		out = append(out, p.Collectors()...)
	}
	return out
}

// PoolStats reports buffer pool occupancy/hit-rate counters keyed by
// page size, for tooling that wants a point-in-time snapshot without
// scraping the prometheus registry.
func (e *Engine) PoolStats() map[int]buffer.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[int]buffer.Stats, len(e.pools))
	for size, p := range e.pools {
		out[size] = p.Stats()
	}
	return out
}

// JournalSegment is the journal's current write segment number.
func (e *Engine) JournalSegment() uint64 {
	return e.jm.CurrentSegment()
}

// JournalBaseAddress is the oldest address the journal still retains.
func (e *Engine) JournalBaseAddress() journal.Address {
	return e.jm.BaseAddress()
}

// LastCheckpoint reports the most recent checkpoint this Engine has
// proposed (or recovered from an unclean prior run).
func (e *Engine) LastCheckpoint() journal.CheckpointPayload {
	return e.checkpointMgr.LastCheckpoint()
}

// Cleanup runs one cleanup pass (obsolete MVV pruning + leaf
// coalescing) over tree.
func (e *Engine) Cleanup(ctx context.Context, tree *btree.Tree) (checkpoint.PruneResult, error) {
	return e.cleanupMgr.Run(ctx, tree)
}

// CopyBackPages flushes every dirty buffered page to its volume without
// writing a checkpoint record, for tooling that wants durability without
// advancing the journal's prune boundary.
func (e *Engine) CopyBackPages() error {
	return e.flushAllPools()
}

// Flush is an alias for CopyBackPages plus a journal fsync, matching the
// Exchange-facing API's separate flush() operation.
func (e *Engine) Flush() error {
	if err := e.flushAllPools(); err != nil {
		return err
	}
	return e.jm.Sync()
}

// Close stops the background checkpoint goroutine, flushes every dirty
// page, and closes every volume and the journal.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()

	if err := e.flushAllPools(); err != nil {
		return err
	}

	e.mu.RLock()
	vols := make([]*volume.Volume, 0, len(e.volumesByID))
	for _, v := range e.volumesByID {
		vols = append(vols, v)
	}
	e.mu.RUnlock()

	var firstErr error
	for _, v := range vols {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.jm.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Crash is a test hook: it abandons dirty buffered pages and the open
// journal segment without flushing either, simulating an unclean
// shutdown for recovery tests.
func (e *Engine) Crash() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
	return nil
}
