// Package txn implements snapshot-isolated transactions over
// internal/btree trees: per-key multi-version value (MVV) chains,
// write-write conflict detection with bounded retry, ANTI_VALUE
// tombstones, and per-tree accumulators.
package txn

import (
	"encoding/binary"

	"github.com/persistit/persistit/internal/errs"
)

// maxChainVersions bounds how many historical versions a key's MVV
// chain retains before the oldest is dropped; internal/checkpoint's
// cleanup pass is the long-term home for pruning versions no active
// transaction can still see, this cap only guards against unbounded
// growth between cleanup cycles.
const maxChainVersions = 16

// version is one entry in a key's MVV chain, newest first.
type version struct {
	Timestamp uint64
	Deleted   bool // ANTI_VALUE tombstone
	Value     []byte
}

// chain is the decoded form of a key's stored MVV value.
type chain struct {
	versions []version // newest first
}

// encodeChain serializes the chain as:
// count(2) | repeated { timestamp(8) | flags(1) | length(4) | bytes }
func encodeChain(c chain) []byte {
	size := 2
	for _, v := range c.versions {
		size += 8 + 1 + 4 + len(v.Value)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(c.versions)))
	off := 2
	for _, v := range c.versions {
		binary.BigEndian.PutUint64(buf[off:off+8], v.Timestamp)
		off += 8
		if v.Deleted {
			buf[off] = 1
		}
		off++
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(v.Value)))
		off += 4
		copy(buf[off:], v.Value)
		off += len(v.Value)
	}
	return buf
}

func decodeChain(buf []byte) (chain, error) {
	if len(buf) < 2 {
		return chain{}, errs.New(errs.KindMalformedValue, "MVV chain header truncated")
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	off := 2
	out := chain{versions: make([]version, 0, n)}
	for i := 0; i < n; i++ {
		if off+13 > len(buf) {
			return chain{}, errs.New(errs.KindMalformedValue, "MVV chain entry truncated")
		}
		ts := binary.BigEndian.Uint64(buf[off : off+8])
		off += 8
		deleted := buf[off] == 1
		off++
		length := int(binary.BigEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+length > len(buf) {
			return chain{}, errs.New(errs.KindMalformedValue, "MVV chain value truncated")
		}
		value := append([]byte(nil), buf[off:off+length]...)
		off += length
		out.versions = append(out.versions, version{Timestamp: ts, Deleted: deleted, Value: value})
	}
	return out, nil
}

// visibleAt returns the version a reader with snapshot timestamp
// asOf should see, if any: the newest version with Timestamp <= asOf.
func (c chain) visibleAt(asOf uint64) (version, bool) {
	for _, v := range c.versions {
		if v.Timestamp <= asOf {
			return v, true
		}
	}
	return version{}, false
}

// newestTimestamp is the commit timestamp of the chain's most recent
// version, or 0 for an empty chain (a key never written).
func (c chain) newestTimestamp() uint64 {
	if len(c.versions) == 0 {
		return 0
	}
	return c.versions[0].Timestamp
}

// prepend adds v as the new head of the chain, trimming the oldest
// version once maxChainVersions is exceeded.
func (c chain) prepend(v version) chain {
	versions := append([]version{v}, c.versions...)
	if len(versions) > maxChainVersions {
		versions = versions[:maxChainVersions]
	}
	return chain{versions: versions}
}

// VisibleValue decodes a stored MVV chain and returns the version
// visible to a reader with snapshot asOf, for callers (internal/engine's
// tombstone-aware Traverse) that only have the raw chain bytes from a
// btree.Tree.Traverse scan rather than a single Get.
func VisibleValue(raw []byte, asOf uint64) (value []byte, deleted bool, found bool, err error) {
	c, err := decodeChain(raw)
	if err != nil {
		return nil, false, false, err
	}
	v, ok := c.visibleAt(asOf)
	if !ok {
		return nil, false, false, nil
	}
	return v.Value, v.Deleted, true, nil
}

// EncodeAccumulators serializes a tree-name -> accumulator-name ->
// (kind, value) snapshot as:
// treeCount(2) | repeated { treeNameLen(2) | treeName | accCount(2) |
// repeated { nameLen(2) | name | kind(1) | value(8) } }
func EncodeAccumulators(snapshot map[string]map[string][2]int64) []byte {
	size := 2
	for tree, accs := range snapshot {
		size += 2 + len(tree) + 2
		for name := range accs {
			size += 2 + len(name) + 1 + 8
		}
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(snapshot)))
	off += 2
	for tree, accs := range snapshot {
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(tree)))
		off += 2
		copy(buf[off:], tree)
		off += len(tree)
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(accs)))
		off += 2
		for name, kv := range accs {
			binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(name)))
			off += 2
			copy(buf[off:], name)
			off += len(name)
			buf[off] = byte(kv[0])
			off++
			binary.BigEndian.PutUint64(buf[off:off+8], uint64(kv[1]))
			off += 8
		}
	}
	return buf
}

// DecodeAccumulators parses the wire format EncodeAccumulators produces.
// An empty buffer decodes to an empty snapshot, matching a checkpoint
// taken before any accumulator existed.
func DecodeAccumulators(buf []byte) (map[string]map[string][2]int64, error) {
	out := make(map[string]map[string][2]int64)
	if len(buf) == 0 {
		return out, nil
	}
	if len(buf) < 2 {
		return nil, errs.New(errs.KindMalformedValue, "accumulator snapshot header truncated")
	}
	off := 0
	treeCount := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	for i := 0; i < treeCount; i++ {
		if off+2 > len(buf) {
			return nil, errs.New(errs.KindMalformedValue, "accumulator snapshot tree name truncated")
		}
		treeLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		if off+treeLen > len(buf) {
			return nil, errs.New(errs.KindMalformedValue, "accumulator snapshot tree name truncated")
		}
		tree := string(buf[off : off+treeLen])
		off += treeLen
		if off+2 > len(buf) {
			return nil, errs.New(errs.KindMalformedValue, "accumulator snapshot count truncated")
		}
		accCount := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		accs := make(map[string][2]int64, accCount)
		for j := 0; j < accCount; j++ {
			if off+2 > len(buf) {
				return nil, errs.New(errs.KindMalformedValue, "accumulator snapshot name truncated")
			}
			nameLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
			off += 2
			if off+nameLen+9 > len(buf) {
				return nil, errs.New(errs.KindMalformedValue, "accumulator snapshot entry truncated")
			}
			name := string(buf[off : off+nameLen])
			off += nameLen
			kind := int64(buf[off])
			off++
			value := int64(binary.BigEndian.Uint64(buf[off : off+8]))
			off += 8
			accs[name] = [2]int64{kind, value}
		}
		out[tree] = accs
	}
	return out, nil
}

// PruneChain drops every version of a key's MVV chain that no
// transaction with snapshot >= oldestActiveSnapshot could ever need:
// the newest version at or before that snapshot is kept (it may still
// be the one some reader sees), along with everything newer; anything
// older is unreachable by any future Get. Returns changed=false when
// nothing was dropped, so callers can skip rewriting the page.
func PruneChain(raw []byte, oldestActiveSnapshot uint64) (pruned []byte, changed bool, err error) {
	c, err := decodeChain(raw)
	if err != nil {
		return nil, false, err
	}
	cut := len(c.versions)
	for i, v := range c.versions {
		if v.Timestamp <= oldestActiveSnapshot {
			cut = i + 1
			break
		}
	}
	if cut >= len(c.versions) {
		return raw, false, nil
	}
	kept := chain{versions: c.versions[:cut]}
	return encodeChain(kept), true, nil
}
