package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/persistit/persistit/internal/errs"
	"github.com/persistit/persistit/internal/mediatedfile"
)

// addressUnit bounds how large a single segment's byte offset may grow
// before it would collide with the next segment's address space. Real
// segments roll over long before reaching it (segmentSize is always far
// smaller), so addresses stay a simple, comparable, strictly increasing
// uint64: segment*addressUnit + offset.
const addressUnit = 1 << 40

// Address identifies a byte position in the logical (multi-segment)
// journal stream.
type Address uint64

func makeAddress(segment uint64, offset int64) Address {
	return Address(segment*addressUnit + uint64(offset))
}

func (a Address) Segment() uint64 { return uint64(a) / addressUnit }
func (a Address) Offset() int64   { return int64(uint64(a) % addressUnit) }

// Manager owns the currently-open journal segment and rolls over to a
// new one once segmentSize is exceeded. Every Append is immediately
// flushed to the OS (not necessarily fsynced — Sync is a separate,
// explicit call matching the volume write-ahead contract: callers fsync
// the journal before fsyncing the volume pages it describes).
type Manager struct {
	mu sync.Mutex

	dir         string
	segmentSize int64
	log         zerolog.Logger

	segment uint64
	file    *mediatedfile.File
	offset  int64

	baseAddress Address // lowest address the pruner has guaranteed is no longer needed
}

func segmentPath(dir string, segment uint64) string {
	return filepath.Join(dir, fmt.Sprintf("journal.%010d", segment))
}

// Open opens (creating if necessary) the journal directory and resumes
// at the highest-numbered existing segment, or creates segment 0.
func Open(dir string, segmentSize int64, log zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errs.Wrap(errs.KindPersistitIO, err, "creating journal directory")
	}
	m := &Manager{dir: dir, segmentSize: segmentSize, log: log.With().Str("component", "journal").Logger()}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistitIO, err, "reading journal directory")
	}
	var highest uint64
	found := false
	for _, e := range entries {
		var seg uint64
		if _, err := fmt.Sscanf(e.Name(), "journal.%010d", &seg); err == nil {
			if !found || seg > highest {
				highest = seg
				found = true
			}
		}
	}
	if !found {
		return m, m.openSegment(0)
	}
	if err := m.openSegment(highest); err != nil {
		return nil, err
	}
	size, err := m.file.Size()
	if err != nil {
		return nil, err
	}
	m.offset = size
	return m, nil
}

func (m *Manager) openSegment(segment uint64) error {
	f, err := mediatedfile.Open(segmentPath(m.dir, segment), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	m.segment = segment
	m.file = f
	m.offset = 0
	return nil
}

// Append writes r to the current segment, rolling over to a fresh
// segment first if this record would exceed segmentSize, and returns
// the address at which it was written. Writes go through WriteAt at the
// manager's own tracked offset rather than relying on the fd's append
// position, since mediatedfile's reopen-on-interrupt retry hands back a
// fresh descriptor with no append cursor of its own.
func (m *Manager) Append(r Record) (Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	frame := Encode(r)
	if m.offset > 0 && m.offset+int64(len(frame)) > m.segmentSize {
		if err := m.rollover(); err != nil {
			return 0, err
		}
	}
	n, err := m.file.WriteAt(frame, m.offset)
	if err != nil {
		return 0, err
	}
	addr := makeAddress(m.segment, m.offset)
	m.offset += int64(n)
	return addr, nil
}

func (m *Manager) rollover() error {
	endMarker := Encode(Record{Kind: KindJE})
	if _, err := m.file.WriteAt(endMarker, m.offset); err != nil {
		return err
	}
	if err := m.file.Close(); err != nil {
		return err
	}
	next := m.segment + 1
	if err := m.openSegment(next); err != nil {
		return err
	}
	header := Encode(Record{Kind: KindJH})
	if _, err := m.file.WriteAt(header, 0); err != nil {
		return err
	}
	m.offset = int64(len(header))
	m.log.Info().Uint64("segment", next).Msg("journal rolled over")
	return nil
}

// Sync fsyncs the currently open segment.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Sync()
}

// CurrentSegment reports the segment number currently being appended to.
func (m *Manager) CurrentSegment() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segment
}

// Prune removes every fully-superseded segment strictly below addr's
// segment, enforcing that the retained base address only ever advances
// (never regresses, even across a crash-restart that replays an older
// checkpoint record out of order).
func (m *Manager) Prune(addr Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr < m.baseAddress {
		return errs.Newf(errs.KindCorruptJournal, "prune address %d precedes current base %d", addr, m.baseAddress)
	}
	m.baseAddress = addr

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return errs.Wrap(errs.KindPersistitIO, err, "reading journal directory for prune")
	}
	for _, e := range entries {
		var seg uint64
		if _, err := fmt.Sscanf(e.Name(), "journal.%010d", &seg); err != nil {
			continue
		}
		if seg < addr.Segment() && seg != m.segment {
			_ = os.Remove(filepath.Join(m.dir, e.Name()))
		}
	}
	return nil
}

// BaseAddress returns the lowest address still guaranteed necessary.
func (m *Manager) BaseAddress() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseAddress
}

// Close flushes and closes the currently open segment.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Sync(); err != nil {
		return err
	}
	return m.file.Close()
}

// ReadSegment reads and decodes every record in segment, in order. Used
// by recovery's forward scan and by tests.
func ReadSegment(dir string, segment uint64) ([]Record, error) {
	buf, err := os.ReadFile(segmentPath(dir, segment))
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistitIO, err, "reading journal segment")
	}
	var out []Record
	off := 0
	for off < len(buf) {
		r, n, err := Decode(buf[off:])
		if err != nil {
			// A partial trailing frame (from a crash mid-append) ends the
			// scan without making the whole segment an error.
			break
		}
		out = append(out, r)
		off += n
	}
	return out, nil
}

// Segments lists every journal segment number present in dir, ascending.
func Segments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errs.Wrap(errs.KindPersistitIO, err, "reading journal directory")
	}
	var segs []uint64
	for _, e := range entries {
		var seg uint64
		if _, err := fmt.Sscanf(e.Name(), "journal.%010d", &seg); err == nil {
			segs = append(segs, seg)
		}
	}
	for i := 1; i < len(segs); i++ {
		for j := i; j > 0 && segs[j-1] > segs[j]; j-- {
			segs[j-1], segs[j] = segs[j], segs[j-1]
		}
	}
	return segs, nil
}
