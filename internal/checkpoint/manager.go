// Package checkpoint implements the checkpoint proposal manager and the
// cleanup manager: periodic durability barriers that let the journal be
// pruned, plus background reclamation of obsolete MVV versions and
// under-filled pages.
package checkpoint

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/persistit/persistit/internal/journal"
)

// Manager proposes checkpoints: it flushes dirty state, records a CP
// journal entry, and prunes journal segments the CP makes unnecessary.
type Manager struct {
	mu sync.Mutex

	jm  *journal.Manager
	log zerolog.Logger

	// FlushDirty is called before a checkpoint's CP record is written;
	// the implementation (wired by internal/engine) must ensure every
	// page dirtied at or before CurrentTimestamp() is durable in its
	// volume before this returns.
	FlushDirty func() error

	// CurrentTimestamp returns the transaction clock's current value.
	CurrentTimestamp func() uint64

	// AccumulatorSnapshot returns the current encoded accumulator state
	// to embed in the CP record, if wired; nil is valid and yields a CP
	// record with no accumulator blob.
	AccumulatorSnapshot func() []byte

	lastCheckpoint journal.CheckpointPayload
}

func NewManager(jm *journal.Manager, log zerolog.Logger) *Manager {
	return &Manager{jm: jm, log: log.With().Str("component", "checkpoint").Logger()}
}

// Propose performs one checkpoint cycle and returns the address at
// which the CP record landed.
func (m *Manager) Propose() (journal.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FlushDirty != nil {
		if err := m.FlushDirty(); err != nil {
			return 0, err
		}
	}

	var ts uint64
	if m.CurrentTimestamp != nil {
		ts = m.CurrentTimestamp()
	}

	var accs []byte
	if m.AccumulatorSnapshot != nil {
		accs = m.AccumulatorSnapshot()
	}

	// The CP record's own position becomes the new safe prune boundary:
	// FlushDirty has already made every page dirtied at or before ts
	// durable, so nothing before this record can ever need a redo.
	priorBase := m.jm.BaseAddress()
	addr, err := m.jm.Append(journal.Record{
		Kind:      journal.KindCP,
		Timestamp: ts,
		Payload:   journal.EncodeCheckpoint(journal.CheckpointPayload{BaseAddress: uint64(priorBase), Timestamp: ts, Accumulators: accs}),
	})
	if err != nil {
		return 0, err
	}
	if err := m.jm.Sync(); err != nil {
		return 0, err
	}

	m.lastCheckpoint = journal.CheckpointPayload{BaseAddress: uint64(addr), Timestamp: ts, Accumulators: accs}
	m.log.Info().Uint64("timestamp", ts).Msg("checkpoint proposed")

	if err := m.jm.Prune(addr); err != nil {
		return 0, err
	}
	return addr, nil
}

// LastCheckpoint returns the most recently proposed checkpoint.
func (m *Manager) LastCheckpoint() journal.CheckpointPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheckpoint
}

// SeedLastCheckpoint primes LastCheckpoint from a checkpoint recovery
// already found in the journal, so a freshly opened Engine reports
// accurate checkpoint state before it ever proposes one of its own.
func (m *Manager) SeedLastCheckpoint(cp journal.CheckpointPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheckpoint = cp
}
