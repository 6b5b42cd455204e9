package page

import "github.com/persistit/persistit/internal/errs"

// SplitPolicy chooses the key position at which a full page is split.
// Policies carry no runtime identity beyond this tag.
type SplitPolicy uint8

const (
	LeftBias SplitPolicy = iota
	RightBias
	NiceBias
	PackBias
)

func (s SplitPolicy) String() string {
	switch s {
	case LeftBias:
		return "LEFT_BIAS"
	case RightBias:
		return "RIGHT_BIAS"
	case NiceBias:
		return "NICE_BIAS"
	case PackBias:
		return "PACK_BIAS"
	default:
		return "UNKNOWN"
	}
}

// splitPoint picks the slot at which to divide n keys under policy,
// given insertPos (where the triggering insert would land) so the
// policy can leave headroom for it.
func splitPoint(n int, insertPos int, policy SplitPolicy) int {
	switch policy {
	case LeftBias:
		// Minimize the left page: keep it small, push most keys right.
		return n / 3
		// (biased toward the left holding fewer keys, i.e. splitting
		// near the front so subsequent appends — biased toward growing
		// to the right — avoid another split soon)
	case RightBias:
		// Mirror of LeftBias: keep the right page small.
		return n - n/3
	case NiceBias:
		// Plain midpoint.
		return n / 2
	case PackBias:
		// Pack as many keys as possible to the left of the insertion
		// point, since the workload is expected to keep inserting just
		// after the current tail (e.g. ascending keys). An unclamped
		// pack split placed at n (nothing moves right) would leave the
		// right page empty and the left page over the cap, so the
		// result is clamped away from both edges below.
		p := insertPos
		if p < 1 {
			p = 1
		}
		if p > n-1 {
			p = n - 1
		}
		return p
	default:
		return n / 2
	}
}

// SplitLeaf divides a full leaf page into (left modified in place, new
// right page), returning the separator key to propagate upward. policy
// chooses the split point; the result is clamped so neither side ever
// exceeds maxKeys.
func SplitLeaf(left *Page, rightAddr uint64, pageSize int, policy SplitPolicy, insertPos int, maxKeys int) (*Page, []byte, error) {
	n := len(left.Keys)
	mid := splitPoint(n, insertPos, policy)
	mid = clampSplit(mid, n, maxKeys)

	right := NewLeaf(rightAddr, pageSize)
	right.Keys = append(right.Keys, left.Keys[mid:]...)
	right.Values = append(right.Values, left.Values[mid:]...)
	right.Header.RightSibling = left.Header.RightSibling
	left.Header.RightSibling = rightAddr

	left.Keys = left.Keys[:mid]
	left.Values = left.Values[:mid]

	left.Header.KeyCount = uint16(len(left.Keys))
	right.Header.KeyCount = uint16(len(right.Keys))
	left.fast = BuildFastIndex(left.Keys)
	right.fast = BuildFastIndex(right.Keys)

	if len(left.Keys) > maxKeys || len(right.Keys) > maxKeys {
		return nil, nil, errs.Newf(errs.KindInvalidPageStructure, "split of page %d violated maxKeys cap (%d/%d vs cap %d)", left.Header.Addr, len(left.Keys), len(right.Keys), maxKeys)
	}
	return right, right.Keys[0], nil
}

// SplitIndex divides a full internal page the same way, carrying
// children across the split (child at mid's left-boundary becomes the
// separator-less leftmost child of the right page; the separator key
// at mid is promoted to the parent and dropped from both children).
func SplitIndex(left *Page, rightAddr uint64, pageSize int, policy SplitPolicy, insertPos int, maxKeys int) (*Page, []byte, error) {
	n := len(left.Keys)
	mid := splitPoint(n, insertPos, policy)
	mid = clampSplit(mid, n, maxKeys)

	right := NewIndex(rightAddr, pageSize)
	promoted := left.Keys[mid]

	right.Keys = append(right.Keys, left.Keys[mid+1:]...)
	right.Children = append(right.Children, left.Children[mid+1:]...)

	left.Keys = left.Keys[:mid]
	left.Children = left.Children[:mid+1]

	left.Header.KeyCount = uint16(len(left.Keys))
	right.Header.KeyCount = uint16(len(right.Keys))
	left.fast = BuildFastIndex(left.Keys)
	right.fast = BuildFastIndex(right.Keys)

	if len(left.Keys) > maxKeys || len(right.Keys) > maxKeys {
		return nil, nil, errs.Newf(errs.KindInvalidPageStructure, "split of index page %d violated maxKeys cap", left.Header.Addr)
	}
	return right, promoted, nil
}

func clampSplit(mid, n, maxKeys int) int {
	if mid < 1 {
		mid = 1
	}
	if mid > n-1 {
		mid = n - 1
	}
	// Never let either resulting side exceed the cap.
	if mid > maxKeys {
		mid = maxKeys
	}
	if n-mid > maxKeys {
		mid = n - maxKeys
	}
	if mid < 0 {
		mid = 0
	}
	return mid
}

// RebalanceResult tags the outcome of JoinOrRebalanceLeaves.
type RebalanceResult uint8

const (
	Joined RebalanceResult = iota
	Rebalanced
)

// JoinOrRebalanceLeaves merges right into left if the combined key
// count fits within maxKeys; otherwise it redistributes keys between
// the two so each respects the cap on both sides.
func JoinOrRebalanceLeaves(left, right *Page, maxKeys int) RebalanceResult {
	total := len(left.Keys) + len(right.Keys)
	if total <= maxKeys {
		left.Keys = append(left.Keys, right.Keys...)
		left.Values = append(left.Values, right.Values...)
		left.Header.RightSibling = right.Header.RightSibling
		left.Header.KeyCount = uint16(len(left.Keys))
		left.fast = BuildFastIndex(left.Keys)
		return Joined
	}

	// Redistribute evenly, each side bounded by maxKeys.
	want := total / 2
	if want > maxKeys {
		want = maxKeys
	}
	if total-want > maxKeys {
		want = total - maxKeys
	}

	combinedKeys := append(append([][]byte{}, left.Keys...), right.Keys...)
	combinedValues := append(append([][]byte{}, left.Values...), right.Values...)

	left.Keys = append([][]byte{}, combinedKeys[:want]...)
	left.Values = append([][]byte{}, combinedValues[:want]...)
	right.Keys = append([][]byte{}, combinedKeys[want:]...)
	right.Values = append([][]byte{}, combinedValues[want:]...)

	left.Header.KeyCount = uint16(len(left.Keys))
	right.Header.KeyCount = uint16(len(right.Keys))
	left.fast = BuildFastIndex(left.Keys)
	right.fast = BuildFastIndex(right.Keys)
	return Rebalanced
}
