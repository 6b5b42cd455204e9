// Package journal implements the write-ahead journal: a sequence of
// typed, checksummed records recording volume identification, page
// images, and transaction lifecycle events, rolling over into successive
// segment files and prunable once every page/transaction it describes
// has been checkpointed.
//
// Modeled on internal/transaction/wal.go's single-file, LSN-tagged
// append log (NewWALManager/recoverLSN/AppendEntry), generalized from one
// untyped page-image record into the richer record-kind taxonomy a
// multi-volume, multi-transaction journal needs, and split across
// rolling segment files instead of one ever-growing file.
package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/persistit/persistit/internal/errs"
)

// Kind tags a journal record's payload shape.
type Kind uint8

const (
	KindJH Kind = iota + 1 // journal (segment) header
	KindJE                 // journal (segment) end / rollover marker
	KindPA                 // page image
	KindPM                 // page map entry (page -> last journal location)
	KindTS                 // transaction start
	KindTC                 // transaction commit
	KindTX                 // transaction write (key/value delta)
	KindTM                 // transaction member (multi-page transaction continuation)
	KindCP                 // checkpoint
	KindIV                 // identify volume
	KindIT                 // identify tree
)

func (k Kind) String() string {
	switch k {
	case KindJH:
		return "JH"
	case KindJE:
		return "JE"
	case KindPA:
		return "PA"
	case KindPM:
		return "PM"
	case KindTS:
		return "TS"
	case KindTC:
		return "TC"
	case KindTX:
		return "TX"
	case KindTM:
		return "TM"
	case KindCP:
		return "CP"
	case KindIV:
		return "IV"
	case KindIT:
		return "IT"
	default:
		return "?"
	}
}

// recordHeaderSize is kind(1) + reserved(3) + length(4) + timestamp(8) +
// checksum(4) preceding the payload.
const recordHeaderSize = 20

// Record is one decoded journal entry.
type Record struct {
	Kind      Kind
	Timestamp uint64
	Payload   []byte
}

// Encode serializes r as a length-prefixed, checksummed frame.
func Encode(r Record) []byte {
	buf := make([]byte, recordHeaderSize+len(r.Payload))
	buf[0] = byte(r.Kind)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(r.Payload)))
	binary.BigEndian.PutUint64(buf[8:16], r.Timestamp)
	copy(buf[recordHeaderSize:], r.Payload)
	sum := crc32.ChecksumIEEE(buf[recordHeaderSize:])
	binary.BigEndian.PutUint32(buf[16:20], sum)
	return buf
}

// Decode parses one frame at the start of buf, returning the record and
// the number of bytes consumed.
func Decode(buf []byte) (Record, int, error) {
	if len(buf) < recordHeaderSize {
		return Record{}, 0, errs.New(errs.KindCorruptJournal, "record header truncated")
	}
	kind := Kind(buf[0])
	length := binary.BigEndian.Uint32(buf[4:8])
	ts := binary.BigEndian.Uint64(buf[8:16])
	wantSum := binary.BigEndian.Uint32(buf[16:20])
	total := recordHeaderSize + int(length)
	if len(buf) < total {
		return Record{}, 0, errs.New(errs.KindCorruptJournal, "record payload truncated")
	}
	payload := buf[recordHeaderSize:total]
	if crc32.ChecksumIEEE(payload) != wantSum {
		return Record{}, 0, errs.New(errs.KindCorruptJournal, "record checksum mismatch")
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return Record{Kind: kind, Timestamp: ts, Payload: out}, total, nil
}

// --- payload encodings ---

// PageImagePayload is the body of a KindPA record.
type PageImagePayload struct {
	VolumeID uint64
	Addr     uint64
	Image    []byte
}

func EncodePageImage(p PageImagePayload) []byte {
	buf := make([]byte, 16+len(p.Image))
	binary.BigEndian.PutUint64(buf[0:8], p.VolumeID)
	binary.BigEndian.PutUint64(buf[8:16], p.Addr)
	copy(buf[16:], p.Image)
	return buf
}

func DecodePageImage(buf []byte) (PageImagePayload, error) {
	if len(buf) < 16 {
		return PageImagePayload{}, errs.New(errs.KindCorruptJournal, "PA payload too short")
	}
	return PageImagePayload{
		VolumeID: binary.BigEndian.Uint64(buf[0:8]),
		Addr:     binary.BigEndian.Uint64(buf[8:16]),
		Image:    append([]byte(nil), buf[16:]...),
	}, nil
}

// TxPayload is the body of KindTS/KindTC/KindTX records.
type TxPayload struct {
	TxnID uint64
	Data  []byte
}

func EncodeTx(p TxPayload) []byte {
	buf := make([]byte, 8+len(p.Data))
	binary.BigEndian.PutUint64(buf[0:8], p.TxnID)
	copy(buf[8:], p.Data)
	return buf
}

func DecodeTx(buf []byte) (TxPayload, error) {
	if len(buf) < 8 {
		return TxPayload{}, errs.New(errs.KindCorruptJournal, "TX payload too short")
	}
	return TxPayload{TxnID: binary.BigEndian.Uint64(buf[0:8]), Data: append([]byte(nil), buf[8:]...)}, nil
}

// CheckpointPayload is the body of a KindCP record. Accumulators carries
// an opaque, caller-encoded snapshot (internal/txn's accumulator wire
// format) that rides along with the checkpoint; it is nil for a
// checkpoint taken before any accumulator existed.
type CheckpointPayload struct {
	BaseAddress  uint64 // in a CP record: the journal base address in effect when the checkpoint was proposed, before it pruned
	Timestamp    uint64
	Accumulators []byte
}

// EncodeCheckpoint writes the fixed 16-byte BaseAddress/Timestamp prefix
// followed by the raw Accumulators blob, if any. DecodeCheckpoint treats
// anything past the prefix as that blob, so older 16-byte records
// recovered from a journal predating accumulator persistence decode
// cleanly with a nil Accumulators field.
func EncodeCheckpoint(p CheckpointPayload) []byte {
	buf := make([]byte, 16+len(p.Accumulators))
	binary.BigEndian.PutUint64(buf[0:8], p.BaseAddress)
	binary.BigEndian.PutUint64(buf[8:16], p.Timestamp)
	copy(buf[16:], p.Accumulators)
	return buf
}

func DecodeCheckpoint(buf []byte) (CheckpointPayload, error) {
	if len(buf) < 16 {
		return CheckpointPayload{}, errs.New(errs.KindCorruptJournal, "CP payload too short")
	}
	p := CheckpointPayload{
		BaseAddress: binary.BigEndian.Uint64(buf[0:8]),
		Timestamp:   binary.BigEndian.Uint64(buf[8:16]),
	}
	if len(buf) > 16 {
		p.Accumulators = append([]byte(nil), buf[16:]...)
	}
	return p, nil
}

// IdentifyVolumePayload is the body of a KindIV record.
type IdentifyVolumePayload struct {
	VolumeID uint64
	Path     string
}

func EncodeIdentifyVolume(p IdentifyVolumePayload) []byte {
	buf := make([]byte, 8+len(p.Path))
	binary.BigEndian.PutUint64(buf[0:8], p.VolumeID)
	copy(buf[8:], p.Path)
	return buf
}

func DecodeIdentifyVolume(buf []byte) (IdentifyVolumePayload, error) {
	if len(buf) < 8 {
		return IdentifyVolumePayload{}, errs.New(errs.KindCorruptJournal, "IV payload too short")
	}
	return IdentifyVolumePayload{VolumeID: binary.BigEndian.Uint64(buf[0:8]), Path: string(buf[8:])}, nil
}

// IdentifyTreePayload is the body of a KindIT record.
type IdentifyTreePayload struct {
	VolumeID uint64
	TreeName string
	RootAddr uint64
}

func EncodeIdentifyTree(p IdentifyTreePayload) []byte {
	buf := make([]byte, 16+len(p.TreeName))
	binary.BigEndian.PutUint64(buf[0:8], p.VolumeID)
	binary.BigEndian.PutUint64(buf[8:16], p.RootAddr)
	copy(buf[16:], p.TreeName)
	return buf
}

func DecodeIdentifyTree(buf []byte) (IdentifyTreePayload, error) {
	if len(buf) < 16 {
		return IdentifyTreePayload{}, errs.New(errs.KindCorruptJournal, "IT payload too short")
	}
	return IdentifyTreePayload{
		VolumeID: binary.BigEndian.Uint64(buf[0:8]),
		RootAddr: binary.BigEndian.Uint64(buf[8:16]),
		TreeName: string(buf[16:]),
	}, nil
}
