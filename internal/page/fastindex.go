package page

// FastIndex is an in-memory, per-page auxiliary structure: an array
// parallel to the key blocks caching the elided-byte-count of each key
// against its predecessor, letting binary search skip full string
// comparisons when they can be decided from elided counts alone.
//
// It serves only the buffer pool's resident copy of a page; it is never
// persisted (the wire encoding recomputes elision independently, see
// header.go / page.go).
type FastIndex struct {
	elided []int // elided[i] = len(common prefix of Keys[i-1], Keys[i]); elided[0] == 0
}

// BuildFastIndex recomputes the whole array from scratch, as happens
// whenever a page is loaded from disk.
func BuildFastIndex(keys [][]byte) *FastIndex {
	fi := &FastIndex{elided: make([]int, len(keys))}
	for i := range keys {
		if i == 0 {
			fi.elided[0] = 0
			continue
		}
		fi.elided[i] = commonPrefixLen(keys[i-1], keys[i])
	}
	return fi
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Elided returns the cached elided-byte-count for slot i. Range checks
// on slot indices are mandatory: an out-of-range i returns (0, false)
// rather than panicking so callers can treat it as "unknown".
func (fi *FastIndex) Elided(i int) (int, bool) {
	if fi == nil || i < 0 || i >= len(fi.elided) {
		return 0, false
	}
	return fi.elided[i], true
}

// recomputeAround recomputes the elided counts for slot i and slot i+1
// (whose predecessor relationship changed) after a single-slot mutation,
// the "updated incrementally on single-slot mutation" requirement.
func (fi *FastIndex) recomputeAround(keys [][]byte, i int) {
	if fi == nil {
		return
	}
	if i >= 0 && i < len(keys) {
		if i == 0 {
			fi.elided[0] = 0
		} else if i-1 < len(keys) {
			fi.elided[i] = commonPrefixLen(keys[i-1], keys[i])
		}
	}
	if i+1 >= 0 && i+1 < len(keys) {
		fi.elided[i+1] = commonPrefixLen(keys[i], keys[i+1])
	}
}

// insertAt grows the index for a newly inserted slot at position i and
// recomputes the two affected neighbors.
func (fi *FastIndex) insertAt(keys [][]byte, i int) {
	if fi == nil {
		return
	}
	fi.elided = append(fi.elided, 0)
	copy(fi.elided[i+1:], fi.elided[i:])
	fi.elided[i] = 0
	fi.recomputeAround(keys, i)
	if i > 0 {
		fi.recomputeAround(keys, i-1)
	}
}

// removeAt shrinks the index after slot i is removed and recomputes the
// new neighbor relationship left behind.
func (fi *FastIndex) removeAt(keys [][]byte, i int) {
	if fi == nil {
		return
	}
	if i < 0 || i >= len(fi.elided) {
		return
	}
	fi.elided = append(fi.elided[:i], fi.elided[i+1:]...)
	if i > 0 {
		fi.recomputeAround(keys, i-1)
	} else {
		fi.recomputeAround(keys, 0)
	}
}

// compareAt implements a short-circuiting comparison: given the query
// key and a candidate slot j with predecessor slot
// j-1 whose common-prefix-with-query length is known (lcpPrev), decide
// the ordering without a full comparison when the elided counts make it
// possible. Returns the standard -1/0/1 compare result.
func (fi *FastIndex) compareAt(keys [][]byte, j int, query []byte, lcpPrev int) int {
	elidedJ, ok := fi.Elided(j)
	if !ok || j == 0 {
		return compareBytes(keys[j], query)
	}
	if elidedJ > lcpPrev {
		// keys[j] agrees with keys[j-1] beyond where query diverged from
		// keys[j-1], so keys[j] must diverge from query the same way
		// keys[j-1] did: ordering is decided by the j-1/query compare.
		return compareBytes(keys[j-1], query)
	}
	return compareBytes(keys[j], query)
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
