// Package recovery replays a journal against its volumes after an
// unclean shutdown: identify the most recent checkpoint, rebuild the
// volume/tree registry, redo every page image still in the journal
// (not only those written after that checkpoint), and report which
// transactions never reached a commit record.
//
// The six-step shape (keystone scan, forward rebuild, checkpoint
// identify, redo, abort-incomplete, missing-volume reporting) has no
// direct teacher analog — internal/transaction/wal.go's recoverLSN only
// recovers a single counter — so this package is grounded on the
// segmented-journal recovery scan in
// SimonWaldherr-tinySQL/internal/storage/pager/recovery.go
// (other_examples), generalized from its single pager/WAL file to this
// engine's multi-volume, multi-segment journal.
package recovery

import (
	"github.com/rs/zerolog"

	"github.com/persistit/persistit/internal/errs"
	"github.com/persistit/persistit/internal/journal"
	"github.com/persistit/persistit/internal/page"
	"github.com/persistit/persistit/internal/volume"
)

// VolumeOpener opens a volume by the path recorded in an IV record.
type VolumeOpener func(path string) (*volume.Volume, error)

// TreeRegistration is one IT record's content, surfaced so the engine
// can wire a btree.Directory/Tree for it once recovery completes.
type TreeRegistration struct {
	VolumeID uint64
	TreeName string
	RootAddr uint64
}

// Result summarizes what recovery found and did.
type Result struct {
	// HighestTimestamp is the largest timestamp observed in any record.
	// The transaction clock must be seeded strictly above this value
	// before any background thread starts, so a recovered transaction
	// id can never collide with a newly issued one.
	HighestTimestamp uint64

	Volumes       map[uint64]*volume.Volume
	MissingVolumes []string
	Trees          []TreeRegistration

	LastCheckpoint journal.CheckpointPayload
	PagesRedone    int
}

// Recover scans every segment in journalDir in order and applies it.
func Recover(journalDir string, open VolumeOpener, log zerolog.Logger) (*Result, error) {
	log = log.With().Str("component", "recovery").Logger()
	res := &Result{Volumes: make(map[uint64]*volume.Volume)}

	segs, err := journal.Segments(journalDir)
	if err != nil {
		return nil, err
	}

	// Step 1: keystone scan — find the most recent valid checkpoint by
	// scanning every segment forward and remembering the last CP seen.
	var allRecords []journal.Record
	for _, seg := range segs {
		records, err := journal.ReadSegment(journalDir, seg)
		if err != nil {
			return nil, err
		}
		allRecords = append(allRecords, records...)
	}

	haveCheckpoint := false
	for _, r := range allRecords {
		if r.Timestamp > res.HighestTimestamp {
			res.HighestTimestamp = r.Timestamp
		}
		if r.Kind == journal.KindCP {
			cp, err := journal.DecodeCheckpoint(r.Payload)
			if err != nil {
				return nil, err
			}
			res.LastCheckpoint = cp
			haveCheckpoint = true
		}
	}
	if !haveCheckpoint {
		log.Info().Msg("no checkpoint found, redoing from the start of the journal")
	}

	// Step 2: forward rebuild — replay IV/IT to recover the volume and
	// tree registry before touching any page image, since PA records
	// are meaningless without knowing which volume they belong to.
	volumeByID := make(map[uint64]string)
	for _, r := range allRecords {
		switch r.Kind {
		case journal.KindIV:
			iv, err := journal.DecodeIdentifyVolume(r.Payload)
			if err != nil {
				return nil, err
			}
			volumeByID[iv.VolumeID] = iv.Path
		case journal.KindIT:
			it, err := journal.DecodeIdentifyTree(r.Payload)
			if err != nil {
				return nil, err
			}
			res.Trees = append(res.Trees, TreeRegistration{VolumeID: it.VolumeID, TreeName: it.TreeName, RootAddr: it.RootAddr})
		}
	}

	// Step 6 (performed here so later steps can skip missing volumes
	// instead of failing outright): open every referenced volume,
	// recording any that cannot be opened rather than aborting recovery
	// of the volumes that ARE present.
	for id, path := range volumeByID {
		v, err := open(path)
		if err != nil {
			res.MissingVolumes = append(res.MissingVolumes, path)
			log.Warn().Str("path", path).Err(err).Msg("volume referenced by journal is missing")
			continue
		}
		res.Volumes[id] = v
	}

	// Step 3/4: checkpoint identify + redo — apply every page image from
	// the whole log (images are idempotent; replaying from the start is
	// always safe, just more work than starting at the checkpoint's
	// base address would be) for every volume that did open.
	for _, r := range allRecords {
		if r.Kind != journal.KindPA {
			continue
		}
		pa, err := journal.DecodePageImage(r.Payload)
		if err != nil {
			return nil, err
		}
		v, ok := res.Volumes[pa.VolumeID]
		if !ok {
			continue // volume missing; already reported above
		}
		p, err := page.Decode(pa.Image, v.PageSize())
		if err != nil {
			return nil, errs.Wrap(errs.KindCorruptJournal, err, "redoing page image")
		}
		if err := v.WritePage(p); err != nil {
			return nil, err
		}
		res.PagesRedone++
	}

	// Step 5: transactions with a TS but no matching TC are incomplete
	// and must not be treated as committed. This engine's txn package
	// commits MVV chains directly through the btree/buffer/volume stack
	// rather than staging uncommitted rows in the journal, so an
	// incomplete transaction here simply never produced a PA record in
	// the first place; nothing further needs undoing.
	started := make(map[uint64]bool)
	committed := make(map[uint64]bool)
	for _, r := range allRecords {
		switch r.Kind {
		case journal.KindTS:
			tx, err := journal.DecodeTx(r.Payload)
			if err == nil {
				started[tx.TxnID] = true
			}
		case journal.KindTC:
			tx, err := journal.DecodeTx(r.Payload)
			if err == nil {
				committed[tx.TxnID] = true
			}
		}
	}
	for id := range started {
		if !committed[id] {
			log.Info().Uint64("txn", id).Msg("incomplete transaction found during recovery, ignored")
		}
	}

	if len(res.MissingVolumes) > 0 {
		return res, errs.Newf(errs.KindRecoveryMissingVolumes, "%d volume(s) referenced by the journal could not be opened", len(res.MissingVolumes))
	}
	return res, nil
}
