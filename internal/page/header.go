// Package page implements the page codec and fast index: the byte-exact
// layout of a single fixed-size page, primitive key/value slot
// operations, split policies, and the in-memory auxiliary structure that
// accelerates key location inside a page.
//
// The wire format keeps front-compressed ("elided") key blocks, but the
// decoded in-memory Page keeps full keys — elision is recomputed at
// encode time and the fast index is rebuilt at decode time, mirroring
// page_header.go / leaf_page.go's split between an explicitly ordered
// binary header and a decoded slice-based body.
package page

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/persistit/persistit/internal/errs"
)

// Type identifies a page's role, stored in the header's Type byte.
type Type uint8

const (
	TypeData        Type = iota // leaf page: keys + values
	TypeIndex                   // internal page: keys + child pointers
	TypeGarbage                 // free-page chain page
	TypeLongRecord               // overflow data page for a long record/MVV
	TypeHead                     // volume superblock (page 0)
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeIndex:
		return "INDEX"
	case TypeGarbage:
		return "GARBAGE"
	case TypeLongRecord:
		return "LONG_RECORD"
	case TypeHead:
		return "HEAD"
	default:
		return "UNKNOWN"
	}
}

// Magic identifies a valid page. Chosen to read as "PRPG" in ASCII.
const Magic uint32 = 0x50525047

// HeaderSize is the fixed size, in bytes, of the on-disk page header.
// Field layout (big-endian, explicit order independent of Go struct
// layout — consumers must decode in the same order they were written):
//
//	0  : Magic          uint32
//	4  : Type           uint8
//	5  : reserved        [3]byte
//	8  : PageSize        uint32
//	12 : reserved        uint32
//	16 : Addr            uint64
//	24 : RightSibling    uint64
//	32 : Timestamp       uint64
//	40 : KeyCount        uint16
//	42 : AllocBump       uint16
//	44 : Checksum        uint32
//	48 : RightmostChild  uint64 (internal pages only)
const HeaderSize = 56

// Allowed page sizes.
var AllowedPageSizes = []int{1024, 2048, 4096, 8192, 16384}

func ValidPageSize(n int) bool {
	for _, s := range AllowedPageSizes {
		if s == n {
			return true
		}
	}
	return false
}

// Header is the decoded page header.
type Header struct {
	Type           Type
	PageSize       uint32
	Addr           uint64 // page address within its volume
	RightSibling   uint64 // right-sibling pointer (B-link); 0 if none
	Timestamp      uint64 // commit timestamp of latest modifier
	KeyCount       uint16
	AllocBump      uint16 // bytes currently consumed by the value area (informational)
	Checksum       uint32
	RightmostChild uint64 // internal pages only: child whose keys are >= the last separator
}

// encodeHeader writes h into the first HeaderSize bytes of buf with the
// checksum field zeroed (the caller fills it in once the full page body
// is known).
func encodeHeader(buf []byte, h *Header) {
	_ = buf[HeaderSize-1]
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	buf[4] = byte(h.Type)
	buf[5], buf[6], buf[7] = 0, 0, 0
	binary.BigEndian.PutUint32(buf[8:12], h.PageSize)
	binary.BigEndian.PutUint32(buf[12:16], 0)
	binary.BigEndian.PutUint64(buf[16:24], h.Addr)
	binary.BigEndian.PutUint64(buf[24:32], h.RightSibling)
	binary.BigEndian.PutUint64(buf[32:40], h.Timestamp)
	binary.BigEndian.PutUint16(buf[40:42], h.KeyCount)
	binary.BigEndian.PutUint16(buf[42:44], h.AllocBump)
	binary.BigEndian.PutUint32(buf[44:48], 0) // checksum patched by caller
	binary.BigEndian.PutUint64(buf[48:56], h.RightmostChild)
}

// decodeHeader reads a Header out of the first HeaderSize bytes of buf and
// validates its magic and type-independent invariants.
func decodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, errs.New(errs.KindInvalidPageStructure, "page shorter than header size")
	}
	magic := binary.BigEndian.Uint32(buf[0:4])
	if magic != Magic {
		return nil, errs.Newf(errs.KindInvalidPageStructure, "bad magic %x", magic)
	}
	h := &Header{
		Type:           Type(buf[4]),
		PageSize:       binary.BigEndian.Uint32(buf[8:12]),
		Addr:           binary.BigEndian.Uint64(buf[16:24]),
		RightSibling:   binary.BigEndian.Uint64(buf[24:32]),
		Timestamp:      binary.BigEndian.Uint64(buf[32:40]),
		KeyCount:       binary.BigEndian.Uint16(buf[40:42]),
		AllocBump:      binary.BigEndian.Uint16(buf[42:44]),
		Checksum:       binary.BigEndian.Uint32(buf[44:48]),
		RightmostChild: binary.BigEndian.Uint64(buf[48:56]),
	}
	switch h.Type {
	case TypeData, TypeIndex, TypeGarbage, TypeLongRecord, TypeHead:
	default:
		return nil, errs.Newf(errs.KindInvalidPageType, "unknown page type %d", buf[4])
	}
	return h, nil
}

// checksum computes the CRC32 (IEEE) of buf with the checksum field
// zeroed; Decode recomputes it to verify a page (Validate does not).
func checksum(buf []byte) uint32 {
	saved := binary.BigEndian.Uint32(buf[44:48])
	binary.BigEndian.PutUint32(buf[44:48], 0)
	sum := crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(buf[44:48], saved)
	return sum
}
