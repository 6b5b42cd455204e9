package btree

import (
	"context"
	"encoding/binary"

	"github.com/persistit/persistit/internal/errs"
)

// Directory is a B+Tree used as the per-volume map of tree name -> root
// page address. It implements volume.DirectoryTree so a Volume can be
// constructed without importing this package directly.
type Directory struct {
	tree *Tree
}

// NewDirectory wraps an existing tree (its root page already allocated
// by the volume) as a name directory.
func NewDirectory(tree *Tree) *Directory {
	return &Directory{tree: tree}
}

func encodeAddr(addr uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, addr)
	return buf
}

func decodeAddr(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, errs.New(errs.KindCorruptVolume, "directory entry has wrong width")
	}
	return binary.BigEndian.Uint64(buf), nil
}

func (d *Directory) Lookup(ctx context.Context, name string) (uint64, bool, error) {
	v, found, err := d.tree.Search(ctx, []byte(name))
	if err != nil || !found {
		return 0, found, err
	}
	addr, err := decodeAddr(v)
	if err != nil {
		return 0, false, err
	}
	return addr, true, nil
}

func (d *Directory) Insert(ctx context.Context, name string, addr uint64) error {
	return d.tree.Insert(ctx, []byte(name), encodeAddr(addr))
}

func (d *Directory) Delete(ctx context.Context, name string) error {
	return d.tree.Remove(ctx, []byte(name))
}

// RootAddr exposes the directory tree's own root page address, for
// persisting into the volume superblock.
func (d *Directory) RootAddr() uint64 { return d.tree.RootAddr() }
