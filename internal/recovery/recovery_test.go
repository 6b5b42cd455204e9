package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/persistit/persistit/internal/journal"
	"github.com/persistit/persistit/internal/page"
	"github.com/persistit/persistit/internal/volume"
)

func TestRecoverRedoesPageImagesAndSeedsTimestamp(t *testing.T) {
	dir := t.TempDir()
	journalDir := filepath.Join(dir, "journal")

	volPath := filepath.Join(dir, "a.vol")
	vol, err := volume.Open(volPath, volume.OpenOptions{Create: true, InitialSize: 4096, PageSize: 4096}, zerolog.Nop())
	require.NoError(t, err)
	addr, err := vol.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, vol.Close())

	jm, err := journal.Open(journalDir, 1<<20, zerolog.Nop())
	require.NoError(t, err)

	_, err = jm.Append(journal.Record{
		Kind:      journal.KindIV,
		Timestamp: 1,
		Payload:   journal.EncodeIdentifyVolume(journal.IdentifyVolumePayload{VolumeID: 1, Path: volPath}),
	})
	require.NoError(t, err)

	leaf := page.NewLeaf(addr, 4096)
	leaf.InsertAt(0, []byte("k"), page.EncodeInlineValue([]byte("v")))
	image, err := leaf.Encode(4096)
	require.NoError(t, err)

	_, err = jm.Append(journal.Record{
		Kind:      journal.KindPA,
		Timestamp: 7,
		Payload:   journal.EncodePageImage(journal.PageImagePayload{VolumeID: 1, Addr: addr, Image: image}),
	})
	require.NoError(t, err)
	require.NoError(t, jm.Close())

	opener := func(path string) (*volume.Volume, error) {
		return volume.Open(path, volume.OpenOptions{PageSize: 4096}, zerolog.Nop())
	}
	res, err := Recover(journalDir, opener, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, uint64(7), res.HighestTimestamp)
	require.Equal(t, 1, res.PagesRedone)
	require.Len(t, res.MissingVolumes, 0)

	v := res.Volumes[1]
	require.NotNil(t, v)
	p, err := v.ReadPage(addr)
	require.NoError(t, err)
	require.Equal(t, 1, len(p.Keys))
	require.NoError(t, v.Close())
}

func TestRecoverReportsMissingVolume(t *testing.T) {
	dir := t.TempDir()
	journalDir := filepath.Join(dir, "journal")

	jm, err := journal.Open(journalDir, 1<<20, zerolog.Nop())
	require.NoError(t, err)
	_, err = jm.Append(journal.Record{
		Kind:    journal.KindIV,
		Payload: journal.EncodeIdentifyVolume(journal.IdentifyVolumePayload{VolumeID: 9, Path: filepath.Join(dir, "missing.vol")}),
	})
	require.NoError(t, err)
	require.NoError(t, jm.Close())

	opener := func(path string) (*volume.Volume, error) {
		return nil, os.ErrNotExist
	}
	res, err := Recover(journalDir, opener, zerolog.Nop())
	require.Error(t, err)
	require.Len(t, res.MissingVolumes, 1)
}
