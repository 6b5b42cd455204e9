package journal

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 1<<20, zerolog.Nop())
	require.NoError(t, err)

	addr, err := m.Append(Record{Kind: KindIV, Payload: EncodeIdentifyVolume(IdentifyVolumePayload{VolumeID: 1, Path: "a.vol"})})
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr.Segment())

	_, err = m.Append(Record{Kind: KindPA, Payload: EncodePageImage(PageImagePayload{VolumeID: 1, Addr: 5, Image: []byte("hello")})})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	records, err := ReadSegment(dir, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, KindIV, records[0].Kind)
	iv, err := DecodeIdentifyVolume(records[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "a.vol", iv.Path)

	pa, err := DecodePageImage(records[1].Payload)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pa.Image)
}

func TestRolloverCreatesNewSegment(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 80, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := m.Append(Record{Kind: KindTX, Payload: EncodeTx(TxPayload{TxnID: uint64(i), Data: []byte("xxxxxxxxxxxxxxxx")})})
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	segs, err := Segments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 1)
}

func TestPruneRejectsRegression(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 1<<20, zerolog.Nop())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.Prune(makeAddress(0, 10)))
	err = m.Prune(makeAddress(0, 5))
	require.Error(t, err)
}

func TestCorruptTrailingFrameStopsCleanly(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, 1<<20, zerolog.Nop())
	require.NoError(t, err)
	_, err = m.Append(Record{Kind: KindCP, Payload: EncodeCheckpoint(CheckpointPayload{BaseAddress: 1, Timestamp: 2})})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	path := segmentPath(dir, 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := data[:len(data)-3]
	require.NoError(t, os.WriteFile(path, truncated, 0644))

	records, err := ReadSegment(dir, 0)
	require.NoError(t, err)
	require.Len(t, records, 0)
}
