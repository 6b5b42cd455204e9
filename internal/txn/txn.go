package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/persistit/persistit/internal/btree"
	"github.com/persistit/persistit/internal/errs"
)

// CommitPolicy controls how aggressively a commit is made durable.
type CommitPolicy uint8

const (
	// SoftCommit returns without calling Sync; the journal is made
	// durable only by a later explicit sync (another transaction's
	// Group/HardCommit, a checkpoint, Flush or Close).
	SoftCommit CommitPolicy = iota
	// GroupCommit batches this commit's fsync with any other GroupCommit
	// callers that arrive within the same short window.
	GroupCommit
	// HardCommit fsyncs the journal before Commit returns.
	HardCommit
)

// maxValidationRetries bounds how many times Commit re-validates a
// write-write conflict before giving up with TransactionFailed. Retrying
// here only re-checks the snapshot; it never re-runs the caller's
// business logic, so it resolves transient ordering races, not genuine
// concurrent writers of the same key.
const maxValidationRetries = 3

type writeKey struct {
	tree *btree.Tree
	key  string
}

type pendingWrite struct {
	deleted bool
	value   []byte
}

// Manager issues transaction timestamps and coordinates group commit.
type Manager struct {
	clock uint64 // atomic monotonic timestamp counter

	// Sync is called to make committed journal records durable; nil is
	// valid for tests that don't care about the journal.
	Sync func() error

	groupInterval time.Duration
	groupMu       sync.Mutex
	currentGroup  *groupWindow

	accumulators sync.Map // tree name -> *AccumulatorSet

	liveMu sync.Mutex
	live   map[*Txn]uint64 // open transactions -> start timestamp
}

type groupWindow struct {
	done chan struct{}
	err  error
}

// NewManager creates a Manager whose timestamp clock starts just above
// startTS (recovery passes the highest timestamp seen in the journal so
// no transaction can ever collide with a recovered one).
func NewManager(startTS uint64, groupInterval time.Duration) *Manager {
	return &Manager{clock: startTS, groupInterval: groupInterval, live: make(map[*Txn]uint64)}
}

func (m *Manager) nextTimestamp() uint64 {
	return atomic.AddUint64(&m.clock, 1)
}

// CurrentTimestamp returns the clock's current value without advancing
// it, for wiring into internal/checkpoint's Propose/cleanup callbacks.
func (m *Manager) CurrentTimestamp() uint64 {
	return atomic.LoadUint64(&m.clock)
}

// Accumulators returns the named tree's accumulator set, creating it on
// first use.
func (m *Manager) Accumulators(treeName string) *AccumulatorSet {
	v, _ := m.accumulators.LoadOrStore(treeName, NewAccumulatorSet())
	return v.(*AccumulatorSet)
}

// SnapshotAccumulators collects every tree's accumulator values, for
// internal/checkpoint to fold into a CP record payload.
func (m *Manager) SnapshotAccumulators() map[string]map[string][2]int64 {
	out := make(map[string]map[string][2]int64)
	m.accumulators.Range(func(k, v any) bool {
		out[k.(string)] = v.(*AccumulatorSet).Snapshot()
		return true
	})
	return out
}

// RestoreAccumulators seeds every tree's accumulator set from a snapshot
// recovered from the journal's last checkpoint.
func (m *Manager) RestoreAccumulators(snapshot map[string]map[string][2]int64) {
	for treeName, accs := range snapshot {
		set := m.Accumulators(treeName)
		for name, kv := range accs {
			acc := set.Get(name, AccumulatorKind(kv[0]))
			acc.Restore(kv[1])
		}
	}
}

// Txn is a single snapshot-isolated transaction.
type Txn struct {
	mgr     *Manager
	startTS uint64
	writes  map[writeKey]pendingWrite
	mu      sync.Mutex
	done    bool
}

// Begin starts a new transaction with a snapshot as of the current
// timestamp.
func (m *Manager) Begin(ctx context.Context) *Txn {
	t := &Txn{mgr: m, startTS: m.nextTimestamp(), writes: make(map[writeKey]pendingWrite)}
	m.liveMu.Lock()
	m.live[t] = t.startTS
	m.liveMu.Unlock()
	return t
}

// OldestActiveSnapshot returns the lowest start timestamp among
// transactions that have begun but not yet committed or rolled back, for
// internal/checkpoint's cleanup pass to use as its prune floor. It
// returns the current clock value when no transaction is open, so
// cleanup can safely prune everything up to "now".
func (m *Manager) OldestActiveSnapshot() uint64 {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	oldest := m.CurrentTimestamp()
	for _, ts := range m.live {
		if ts < oldest {
			oldest = ts
		}
	}
	return oldest
}

func (m *Manager) finish(t *Txn) {
	m.liveMu.Lock()
	delete(m.live, t)
	m.liveMu.Unlock()
}

func (t *Txn) StartTimestamp() uint64 { return t.startTS }

// Get performs a snapshot read of key in tree, preferring this
// transaction's own uncommitted write if present.
func (t *Txn) Get(ctx context.Context, tree *btree.Tree, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	if w, ok := t.writes[writeKey{tree, string(key)}]; ok {
		t.mu.Unlock()
		if w.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), w.value...), true, nil
	}
	t.mu.Unlock()

	raw, found, err := tree.Search(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	c, err := decodeChain(raw)
	if err != nil {
		return nil, false, err
	}
	v, ok := c.visibleAt(t.startTS)
	if !ok || v.Deleted {
		return nil, false, nil
	}
	return append([]byte(nil), v.Value...), true, nil
}

// Put buffers key -> value for this transaction; nothing is written to
// tree until Commit.
func (t *Txn) Put(tree *btree.Tree, key, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[writeKey{tree, string(key)}] = pendingWrite{value: append([]byte(nil), value...)}
}

// Delete buffers an ANTI_VALUE tombstone for key.
func (t *Txn) Delete(tree *btree.Tree, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes[writeKey{tree, string(key)}] = pendingWrite{deleted: true}
}

// Commit validates every buffered key against concurrent commits and,
// if no conflict survives maxValidationRetries, applies the whole write
// set as a single new MVV version per key.
func (t *Txn) Commit(ctx context.Context, policy CommitPolicy) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return errs.New(errs.KindRollback, "transaction already finished")
	}
	writes := t.writes
	t.mu.Unlock()

	if err := t.validate(ctx, writes); err != nil {
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		t.mgr.finish(t)
		return err
	}

	commitTS := t.mgr.nextTimestamp()
	for wk, w := range writes {
		raw, found, err := wk.tree.Search(ctx, []byte(wk.key))
		if err != nil {
			return err
		}
		var c chain
		if found {
			c, err = decodeChain(raw)
			if err != nil {
				return err
			}
		}
		c = c.prepend(version{Timestamp: commitTS, Deleted: w.deleted, Value: w.value})
		if err := wk.tree.Insert(ctx, []byte(wk.key), encodeChain(c)); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.done = true
	t.mu.Unlock()
	t.mgr.finish(t)

	return t.mgr.applyCommitPolicy(policy)
}

// validate checks every buffered key for a write-write conflict: a
// newer committed version than this transaction's snapshot. A
// transient conflict is re-checked up to maxValidationRetries times
// before failing.
func (t *Txn) validate(ctx context.Context, writes map[writeKey]pendingWrite) error {
	for attempt := 0; attempt < maxValidationRetries; attempt++ {
		conflict := false
		for wk := range writes {
			raw, found, err := wk.tree.Search(ctx, []byte(wk.key))
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			c, err := decodeChain(raw)
			if err != nil {
				return err
			}
			if c.newestTimestamp() > t.startTS {
				conflict = true
				break
			}
		}
		if !conflict {
			return nil
		}
		if attempt == maxValidationRetries-1 {
			return errs.New(errs.KindTransactionFailed, "write-write conflict exceeded retry budget")
		}
		time.Sleep(time.Millisecond)
	}
	return errs.New(errs.KindTransactionFailed, "write-write conflict exceeded retry budget")
}

// Rollback discards every buffered write. Because writes never touch
// the tree before Commit, this guarantees an aborted transaction's
// delta is never retained in a version chain.
func (t *Txn) Rollback() {
	t.mu.Lock()
	t.writes = nil
	t.done = true
	t.mu.Unlock()
	t.mgr.finish(t)
}

func (m *Manager) applyCommitPolicy(policy CommitPolicy) error {
	switch policy {
	case SoftCommit:
		return nil
	case HardCommit:
		if m.Sync == nil {
			return nil
		}
		return m.Sync()
	case GroupCommit:
		return m.groupSync()
	default:
		return nil
	}
}

// groupSync batches concurrent GroupCommit callers within groupInterval
// into a single Sync call.
func (m *Manager) groupSync() error {
	m.groupMu.Lock()
	if m.currentGroup == nil {
		g := &groupWindow{done: make(chan struct{})}
		m.currentGroup = g
		m.groupMu.Unlock()

		time.Sleep(m.groupInterval)

		m.groupMu.Lock()
		m.currentGroup = nil
		m.groupMu.Unlock()

		var err error
		if m.Sync != nil {
			err = m.Sync()
		}
		g.err = err
		close(g.done)
		return err
	}
	g := m.currentGroup
	m.groupMu.Unlock()
	<-g.done
	return g.err
}
