package page

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeafEncodeDecodeRoundTrip(t *testing.T) {
	p := NewLeaf(7, 4096)
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		value := EncodeInlineValue([]byte(fmt.Sprintf("value-%d", i)))
		slot, found := p.FindKey(key)
		require.False(t, found)
		p.InsertAt(slot, key, value)
	}
	require.NoError(t, p.Validate())

	buf, err := p.Encode(4096)
	require.NoError(t, err)
	require.Len(t, buf, 4096)

	decoded, err := Decode(buf, 4096)
	require.NoError(t, err)
	require.Equal(t, p.Keys, decoded.Keys)
	require.Equal(t, p.Values, decoded.Values)
	require.Equal(t, TypeData, decoded.Header.Type)
}

func TestFindKeyBinarySearch(t *testing.T) {
	p := NewLeaf(1, 4096)
	keys := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for _, k := range keys {
		slot, _ := p.FindKey([]byte(k))
		p.InsertAt(slot, []byte(k), EncodeInlineValue([]byte(k)))
	}
	slot, found := p.FindKey([]byte("charlie"))
	require.True(t, found)
	require.Equal(t, 2, slot)

	slot, found = p.FindKey([]byte("bravissimo"))
	require.False(t, found)
	require.Equal(t, 1, slot)
}

func TestChecksumDetectsCorruption(t *testing.T) {
	p := NewLeaf(1, 1024)
	slot, _ := p.FindKey([]byte("k"))
	p.InsertAt(slot, []byte("k"), EncodeInlineValue([]byte("v")))
	buf, err := p.Encode(1024)
	require.NoError(t, err)

	buf[HeaderSize+20] ^= 0xFF
	_, err = Decode(buf, 1024)
	require.Error(t, err)
}

// TestPackBiasRightEdge exercises repeatedly inserting at the tail of a
// page under PACK_BIAS: it must never leave either resulting page over
// the maxKeys cap.
func TestPackBiasRightEdge(t *testing.T) {
	maxKeys := 8
	left := NewLeaf(1, 1024)
	for i := 0; i < maxKeys; i++ {
		key := []byte(fmt.Sprintf("%04d", i))
		slot, _ := left.FindKey(key)
		left.InsertAt(slot, key, EncodeInlineValue([]byte("v")))
	}
	// Triggering insert lands at the tail (ascending workload).
	insertPos := maxKeys
	right, _, err := SplitLeaf(left, 2, 1024, PackBias, insertPos, maxKeys)
	require.NoError(t, err)
	require.LessOrEqual(t, len(left.Keys), maxKeys)
	require.LessOrEqual(t, len(right.Keys), maxKeys)
	require.NotEmpty(t, right.Keys)
}

// TestRebalanceCap verifies a merge that would exceed maxKeys
// redistributes instead, and that the redistribution itself respects
// the cap on both sides.
func TestRebalanceCap(t *testing.T) {
	maxKeys := 10
	left := NewLeaf(1, 4096)
	right := NewLeaf(2, 4096)
	for i := 0; i < 7; i++ {
		key := []byte(fmt.Sprintf("L%03d", i))
		slot, _ := left.FindKey(key)
		left.InsertAt(slot, key, EncodeInlineValue([]byte("v")))
	}
	for i := 0; i < 7; i++ {
		key := []byte(fmt.Sprintf("R%03d", i))
		slot, _ := right.FindKey(key)
		right.InsertAt(slot, key, EncodeInlineValue([]byte("v")))
	}

	result := JoinOrRebalanceLeaves(left, right, maxKeys)
	require.Equal(t, Rebalanced, result)
	require.LessOrEqual(t, len(left.Keys), maxKeys)
	require.LessOrEqual(t, len(right.Keys), maxKeys)
	require.Equal(t, 14, len(left.Keys)+len(right.Keys))
}

func TestJoinUnderCap(t *testing.T) {
	maxKeys := 20
	left := NewLeaf(1, 4096)
	right := NewLeaf(2, 4096)
	left.InsertAt(0, []byte("a"), EncodeInlineValue([]byte("1")))
	right.InsertAt(0, []byte("b"), EncodeInlineValue([]byte("2")))
	right.Header.RightSibling = 99

	result := JoinOrRebalanceLeaves(left, right, maxKeys)
	require.Equal(t, Joined, result)
	require.Equal(t, 2, len(left.Keys))
	require.Equal(t, uint64(99), left.Header.RightSibling)
}

func TestFastIndexRangeChecked(t *testing.T) {
	fi := BuildFastIndex([][]byte{[]byte("a"), []byte("ab")})
	_, ok := fi.Elided(5)
	require.False(t, ok)
	_, ok = fi.Elided(-1)
	require.False(t, ok)
	v, ok := fi.Elided(1)
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestLongRecordPointerRoundTrip(t *testing.T) {
	ptr := EncodeLongRecordPointer(123456, 42)
	total, first, ok := DecodeLongRecordPointer(ptr)
	require.True(t, ok)
	require.Equal(t, uint64(123456), total)
	require.Equal(t, uint64(42), first)

	_, _, ok = DecodeLongRecordPointer(EncodeInlineValue([]byte("x")))
	require.False(t, ok)
}
