package page

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/persistit/persistit/internal/errs"
)

// keyBlockFixedSize is the fixed portion of an on-disk key block:
// elided-byte-count | suffix-length | value-offset | value-length, each
// a uint16.
const keyBlockFixedSize = 8

// valueMarkerInline / valueMarkerLongRecord tag the first byte of a
// leaf's value bytes on disk, distinguishing inline values from a
// pointer into a long-record overflow chain.
const (
	valueMarkerInline      byte = 0
	valueMarkerLongRecord  byte = 1
)

// longRecordPointerSize is the encoded size of a long-record pointer
// value: marker(1) + totalLength(8) + firstOverflowPage(8).
const longRecordPointerSize = 1 + 8 + 8

// Page is the decoded, in-memory representation of one page. Front
// compression (elision) is purely a wire-format optimization: Keys
// always holds full keys, and the FastIndex caches elided counts for
// fast comparisons.
type Page struct {
	mu sync.RWMutex

	Header Header

	Keys   [][]byte // ascending, full keys
	Values [][]byte // leaf pages only, parallel to Keys
	// Children holds len(Keys)+1 child page addresses for internal
	// pages: Children[i] routes keys < Keys[i] (i < len(Keys)),
	// Children[len(Keys)] routes keys >= Keys[len(Keys)-1].
	Children []uint64

	fast *FastIndex
}

func (p *Page) RLock()   { p.mu.RLock() }
func (p *Page) RUnlock() { p.mu.RUnlock() }
func (p *Page) Lock()    { p.mu.Lock() }
func (p *Page) Unlock()  { p.mu.Unlock() }

// NewLeaf constructs an empty leaf page for addr.
func NewLeaf(addr uint64, pageSize int) *Page {
	p := &Page{Header: Header{Type: TypeData, Addr: addr, PageSize: uint32(pageSize)}}
	p.fast = BuildFastIndex(nil)
	return p
}

// NewIndex constructs an empty internal page for addr with no keys and
// no children; the caller fills in Keys and Children (used when
// splitting creates a new root).
func NewIndex(addr uint64, pageSize int) *Page {
	p := &Page{Header: Header{Type: TypeIndex, Addr: addr, PageSize: uint32(pageSize)}}
	p.fast = BuildFastIndex(nil)
	return p
}

// MaxKeys returns the maximum number of key blocks this page size can
// hold assuming worst-case (no elision, no value) key sizes, used as a
// conservative cap by split/rebalance policies.
func MaxKeys(pageSize int, maxKeyLen int) int {
	usable := pageSize - HeaderSize
	slot := keyBlockFixedSize + maxKeyLen
	if slot <= 0 {
		return 0
	}
	return usable / slot
}

// FindKey performs a binary search using the fast index to short-circuit
// comparisons. Returns the slot at which key is (or would be) inserted
// and whether it was found exactly.
func (p *Page) FindKey(key []byte) (slot int, found bool) {
	n := len(p.Keys)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		lcpPrev := 0
		if mid > 0 {
			lcpPrev = commonPrefixLen(p.Keys[mid-1], key)
		}
		cmp := p.fast.compareAt(p.Keys, mid, key, lcpPrev)
		switch {
		case cmp == 0:
			return mid, true
		case cmp < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// InsertAt inserts key/value at logical position slot (leaf pages),
// maintaining the ascending-keys invariant (I5) and updating the fast
// index incrementally.
func (p *Page) InsertAt(slot int, key, value []byte) {
	p.Keys = append(p.Keys, nil)
	copy(p.Keys[slot+1:], p.Keys[slot:])
	p.Keys[slot] = key

	p.Values = append(p.Values, nil)
	copy(p.Values[slot+1:], p.Values[slot:])
	p.Values[slot] = value

	p.Header.KeyCount = uint16(len(p.Keys))
	if p.fast == nil {
		p.fast = BuildFastIndex(p.Keys)
	} else {
		p.fast.insertAt(p.Keys, slot)
	}
}

// InsertChildAt inserts a separator key and its left child pointer at
// slot into an internal page.
func (p *Page) InsertChildAt(slot int, key []byte, leftChild uint64) {
	p.Keys = append(p.Keys, nil)
	copy(p.Keys[slot+1:], p.Keys[slot:])
	p.Keys[slot] = key

	p.Children = append(p.Children, 0)
	copy(p.Children[slot+1:], p.Children[slot:])
	p.Children[slot] = leftChild

	p.Header.KeyCount = uint16(len(p.Keys))
	if p.fast == nil {
		p.fast = BuildFastIndex(p.Keys)
	} else {
		p.fast.insertAt(p.Keys, slot)
	}
}

// RemoveAt deletes the key (and value, for leaves) at slot.
func (p *Page) RemoveAt(slot int) {
	if slot < 0 || slot >= len(p.Keys) {
		return
	}
	p.Keys = append(p.Keys[:slot], p.Keys[slot+1:]...)
	if slot < len(p.Values) {
		p.Values = append(p.Values[:slot], p.Values[slot+1:]...)
	}
	if p.Header.Type == TypeIndex && slot < len(p.Children) {
		p.Children = append(p.Children[:slot], p.Children[slot+1:]...)
	}
	p.Header.KeyCount = uint16(len(p.Keys))
	if p.fast != nil {
		p.fast.removeAt(p.Keys, slot)
	}
}

// Validate checks the invariants decode() cannot already guarantee on
// its own (I5: strictly ascending key blocks), surfacing
// InvalidPageStructure on violation.
func (p *Page) Validate() error {
	for i := 1; i < len(p.Keys); i++ {
		if compareBytes(p.Keys[i-1], p.Keys[i]) >= 0 {
			return errs.Newf(errs.KindInvalidPageStructure, "page %d keys not strictly ascending at slot %d", p.Header.Addr, i)
		}
	}
	if p.Header.Type == TypeIndex && len(p.Children) != len(p.Keys)+1 {
		return errs.Newf(errs.KindInvalidPageStructure, "page %d internal page has %d children for %d keys", p.Header.Addr, len(p.Children), len(p.Keys))
	}
	return nil
}

// EncodeLongRecordPointer encodes a long-record pointer value.
func EncodeLongRecordPointer(totalLen uint64, firstPage uint64) []byte {
	buf := make([]byte, longRecordPointerSize)
	buf[0] = valueMarkerLongRecord
	binary.BigEndian.PutUint64(buf[1:9], totalLen)
	binary.BigEndian.PutUint64(buf[9:17], firstPage)
	return buf
}

// DecodeLongRecordPointer reports whether v is a long-record pointer and,
// if so, its total length and first overflow page.
func DecodeLongRecordPointer(v []byte) (totalLen uint64, firstPage uint64, ok bool) {
	if len(v) != longRecordPointerSize || v[0] != valueMarkerLongRecord {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(v[1:9]), binary.BigEndian.Uint64(v[9:17]), true
}

// EncodeInlineValue wraps raw value bytes with the inline marker so the
// wire format can distinguish it from a long-record pointer.
func EncodeInlineValue(v []byte) []byte {
	out := make([]byte, 1+len(v))
	out[0] = valueMarkerInline
	copy(out[1:], v)
	return out
}

// DecodeInlineValue strips the inline marker, returning the raw bytes
// and false if v was actually a long-record pointer.
func DecodeInlineValue(v []byte) ([]byte, bool) {
	if len(v) == 0 || v[0] != valueMarkerInline {
		return nil, false
	}
	return v[1:], true
}

// Encode serializes the page into a pageSize-length buffer: fixed
// header, then a slot directory of KeyCount uint16 offsets measured
// from the start of the page, then the variable-length key blocks (elided-count-
// compressed), then value bytes packed downward from the page tail.
func (p *Page) Encode(pageSize int) ([]byte, error) {
	buf := make([]byte, pageSize)

	n := len(p.Keys)
	slotDirOff := HeaderSize
	slotDirEnd := slotDirOff + n*2
	kbOff := slotDirEnd
	valEnd := pageSize // value area grows downward from the tail

	fast := p.fast
	if fast == nil {
		fast = BuildFastIndex(p.Keys)
	}

	for i := 0; i < n; i++ {
		elided := 0
		if i > 0 {
			elided = commonPrefixLen(p.Keys[i-1], p.Keys[i])
		}
		if e, ok := fast.Elided(i); ok && i > 0 {
			elided = e
		}
		suffix := p.Keys[i][elided:]

		var valOff, valLen int
		if p.Header.Type == TypeData {
			v := p.Values[i]
			valLen = len(v)
			valEnd -= valLen
			valOff = valEnd
			if valOff < kbOff+keyBlockFixedSize+len(suffix) {
				return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d overflowed during encode", p.Header.Addr)
			}
			copy(buf[valOff:valOff+valLen], v)
		}

		binary.BigEndian.PutUint16(buf[slotDirOff+i*2:slotDirOff+i*2+2], uint16(kbOff))

		if kbOff+keyBlockFixedSize+len(suffix) > valEnd {
			return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d key blocks collide with value area", p.Header.Addr)
		}
		binary.BigEndian.PutUint16(buf[kbOff:kbOff+2], uint16(elided))
		binary.BigEndian.PutUint16(buf[kbOff+2:kbOff+4], uint16(len(suffix)))
		binary.BigEndian.PutUint16(buf[kbOff+4:kbOff+6], uint16(valOff))
		binary.BigEndian.PutUint16(buf[kbOff+6:kbOff+8], uint16(valLen))
		copy(buf[kbOff+keyBlockFixedSize:], suffix)
		kbOff += keyBlockFixedSize + len(suffix)
	}

	if p.Header.Type == TypeIndex {
		// Children are not stored via the slot directory's value-offset
		// scheme; pack them directly after the key blocks, growing from
		// the tail like values would, one uint64 each. Written from the
		// rightmost child down so offsets match Decode's reconstruction.
		for i := len(p.Children) - 1; i >= 0; i-- {
			valEnd -= 8
			if valEnd < kbOff {
				return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d children overflow", p.Header.Addr)
			}
			binary.BigEndian.PutUint64(buf[valEnd:valEnd+8], p.Children[i])
		}
	}

	p.Header.KeyCount = uint16(n)
	p.Header.AllocBump = uint16(pageSize - valEnd)
	encodeHeader(buf, &p.Header)
	sum := checksum(buf)
	binary.BigEndian.PutUint32(buf[44:48], sum)
	p.Header.Checksum = sum
	return buf, nil
}

// Decode parses buf (exactly pageSize bytes) into a Page, validating
// checksum and type, and rebuilds the fast index.
func Decode(buf []byte, pageSize int) (*Page, error) {
	if len(buf) != pageSize {
		return nil, errs.Newf(errs.KindInvalidPageStructure, "page buffer length %d != page size %d", len(buf), pageSize)
	}
	want := binary.BigEndian.Uint32(buf[44:48])
	got := checksum(buf)
	if want != got {
		return nil, errs.Newf(errs.KindCorruptVolume, "checksum mismatch: stored %x computed %x", want, got)
	}
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, err
	}

	p := &Page{Header: *h}
	n := int(h.KeyCount)
	slotDirOff := HeaderSize

	p.Keys = make([][]byte, n)
	if h.Type == TypeData {
		p.Values = make([][]byte, n)
	}

	prevKey := []byte{}
	for i := 0; i < n; i++ {
		kbOff := int(binary.BigEndian.Uint16(buf[slotDirOff+i*2 : slotDirOff+i*2+2]))
		if kbOff+keyBlockFixedSize > pageSize {
			return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d slot %d offset out of range", h.Addr, i)
		}
		elided := int(binary.BigEndian.Uint16(buf[kbOff : kbOff+2]))
		suffixLen := int(binary.BigEndian.Uint16(buf[kbOff+2 : kbOff+4]))
		valOff := int(binary.BigEndian.Uint16(buf[kbOff+4 : kbOff+6]))
		valLen := int(binary.BigEndian.Uint16(buf[kbOff+6 : kbOff+8]))

		if elided > len(prevKey) {
			return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d slot %d elided count %d exceeds predecessor length %d", h.Addr, i, elided, len(prevKey))
		}
		suffixStart := kbOff + keyBlockFixedSize
		if suffixStart+suffixLen > pageSize {
			return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d slot %d suffix out of range", h.Addr, i)
		}
		key := make([]byte, elided+suffixLen)
		copy(key, prevKey[:elided])
		copy(key[elided:], buf[suffixStart:suffixStart+suffixLen])
		p.Keys[i] = key
		prevKey = key

		if h.Type == TypeData {
			if valOff+valLen > pageSize || valOff < 0 {
				return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d slot %d value out of range", h.Addr, i)
			}
			v := make([]byte, valLen)
			copy(v, buf[valOff:valOff+valLen])
			p.Values[i] = v
		}
	}

	if h.Type == TypeIndex {
		p.Children = make([]uint64, n+1)
		valEnd := pageSize
		for i := 0; i <= n; i++ {
			valEnd -= 8
			if valEnd < 0 {
				return nil, errs.Newf(errs.KindInvalidPageStructure, "page %d children out of range", h.Addr)
			}
			p.Children[n-i] = binary.BigEndian.Uint64(buf[valEnd : valEnd+8])
		}
	}

	p.fast = BuildFastIndex(p.Keys)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// sortedInsertPos is a convenience used by split policies and directory
// lookups operating on plain key slices without a live FastIndex.
func sortedInsertPos(keys [][]byte, key []byte) int {
	return sort.Search(len(keys), func(i int) bool { return compareBytes(keys[i], key) >= 0 })
}
