package page

import (
	"encoding/binary"

	"github.com/persistit/persistit/internal/errs"
)

// Garbage chain pages hold a flat array of freed page addresses.
// RightSibling threads to the next garbage page (the chain's successor),
// reusing the same header field B-link pages use for their right
// sibling.

// GarbageCapacity is the number of uint64 addresses a garbage page of
// pageSize can hold.
func GarbageCapacity(pageSize int) int {
	return (pageSize - HeaderSize) / 8
}

// EncodeGarbagePage serializes a garbage page: addr identifies this page,
// next is the chain successor (0 if none), entries are the freed page
// addresses it currently holds (len(entries) <= GarbageCapacity).
func EncodeGarbagePage(addr uint64, pageSize int, next uint64, entries []uint64) ([]byte, error) {
	if len(entries) > GarbageCapacity(pageSize) {
		return nil, errs.Newf(errs.KindInvalidPageStructure, "garbage page %d holds %d entries, capacity %d", addr, len(entries), GarbageCapacity(pageSize))
	}
	buf := make([]byte, pageSize)
	h := Header{
		Type:         TypeGarbage,
		PageSize:     uint32(pageSize),
		Addr:         addr,
		RightSibling: next,
		KeyCount:     uint16(len(entries)),
	}
	encodeHeader(buf, &h)
	off := HeaderSize
	for _, e := range entries {
		binary.BigEndian.PutUint64(buf[off:off+8], e)
		off += 8
	}
	sum := checksum(buf)
	binary.BigEndian.PutUint32(buf[44:48], sum)
	return buf, nil
}

// DecodeGarbagePage parses a garbage page previously written by
// EncodeGarbagePage.
func DecodeGarbagePage(buf []byte, pageSize int) (next uint64, entries []uint64, err error) {
	if len(buf) != pageSize {
		return 0, nil, errs.New(errs.KindInvalidPageStructure, "garbage page buffer length mismatch")
	}
	want := binary.BigEndian.Uint32(buf[44:48])
	got := checksum(buf)
	if want != got {
		return 0, nil, errs.New(errs.KindCorruptVolume, "garbage page checksum mismatch")
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	if h.Type != TypeGarbage {
		return 0, nil, errs.Newf(errs.KindInvalidPageType, "page %d is not a garbage page", h.Addr)
	}
	n := int(h.KeyCount)
	entries = make([]uint64, n)
	off := HeaderSize
	for i := 0; i < n; i++ {
		if off+8 > pageSize {
			return 0, nil, errs.Newf(errs.KindInvalidPageStructure, "garbage page %d entries out of range", h.Addr)
		}
		entries[i] = binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
	}
	return h.RightSibling, entries, nil
}
