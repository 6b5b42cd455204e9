// Package volume implements a file of fixed-size pages, owning page
// allocation from a garbage-chain free list, the superblock, and the
// per-volume root-page directory of trees.
//
// Modeled on internal/page/page_manager.go, whose
// allocateID/WritePageToFile/readPageFromFile used "(pageID-1)*pageSize"
// file offsets; this package places page addr at addr*pageSize instead
// (page 0 is the superblock), and generalizes "always grow" allocation to
// allocate-from-garbage-chain-else-grow.
package volume

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/persistit/persistit/internal/errs"
	"github.com/persistit/persistit/internal/mediatedfile"
	"github.com/persistit/persistit/internal/page"
)

// DirectoryTree is the minimal interface a B+Tree-backed directory of
// (tree name -> root page address) must satisfy for Volume's
// CreateTree/DropTree/TreeRoot operations. It is implemented by
// internal/btree.Directory and injected after Open, resolving the
// Volume<->B+Tree cyclic dependency by interface rather than by import.
type DirectoryTree interface {
	Lookup(ctx context.Context, name string) (addr uint64, found bool, err error)
	Insert(ctx context.Context, name string, addr uint64) error
	Delete(ctx context.Context, name string) error
}

// OpenOptions is the set of knobs controlling how a volume file is
// opened or created.
type OpenOptions struct {
	Create        bool
	CreateOnly    bool
	ReadOnly      bool
	Truncate      bool
	InitialSize   int64 // bytes
	ExtensionSize int64 // bytes
	MaximumSize   int64 // bytes
	PageSize      int
}

// Volume is a single fixed-page-size file.
type Volume struct {
	mu sync.Mutex

	path     string
	file     *mediatedfile.File
	pageSize int
	readOnly bool

	sb Superblock

	extensionSize int64
	maximumSize   int64

	dir DirectoryTree

	log zerolog.Logger
}

// Open opens or creates a volume file per opts.
func Open(path string, opts OpenOptions, log zerolog.Logger) (*Volume, error) {
	pageSizeRequested := opts.PageSize != 0
	if opts.PageSize == 0 {
		opts.PageSize = 16384
	}
	if !page.ValidPageSize(opts.PageSize) {
		return nil, errs.Newf(errs.KindInvalidVolumeSpec, "invalid page size %d", opts.PageSize)
	}

	_, statErr := os.Stat(path)
	exists := statErr == nil

	if !exists && !opts.Create && !opts.CreateOnly {
		return nil, errs.Newf(errs.KindVolumeNotFound, "volume %s does not exist", path)
	}
	if exists && opts.CreateOnly {
		return nil, errs.Newf(errs.KindVolumeAlreadyExists, "volume %s already exists", path)
	}

	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}
	if !exists || opts.Truncate {
		flags |= os.O_CREATE
		if opts.Truncate {
			flags |= os.O_TRUNC
		}
	}
	f, err := mediatedfile.Open(path, flags, 0644)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		path:          path,
		file:          f,
		pageSize:      opts.PageSize,
		readOnly:      opts.ReadOnly,
		extensionSize: opts.ExtensionSize,
		maximumSize:   opts.MaximumSize,
		log:           log.With().Str("volume", path).Logger(),
	}

	size, err := v.file.Size()
	if err != nil {
		return nil, err
	}

	if size == 0 {
		if err := v.initFresh(opts); err != nil {
			return nil, err
		}
	} else {
		if err := v.loadSuperblock(); err != nil {
			return nil, err
		}
		// Page-size mixing within a single volume is forbidden: an
		// existing volume reopened with an explicitly mismatched page
		// size fails with VolumeAlreadyExists. A caller that didn't
		// request a specific page size (PageSize left 0) always gets
		// back whatever size the volume was created with.
		if pageSizeRequested && int(v.sb.PageSize) != opts.PageSize {
			return nil, errs.Newf(errs.KindVolumeAlreadyExists, "volume %s has page size %d, requested %d", path, v.sb.PageSize, opts.PageSize)
		}
	}
	return v, nil
}

func (v *Volume) initFresh(opts OpenOptions) error {
	initial := opts.InitialSize
	if initial < int64(v.pageSize) {
		initial = int64(v.pageSize)
	}
	if err := v.file.Truncate(initial); err != nil {
		return err
	}

	v.sb = Superblock{
		PageSize:          uint32(v.pageSize),
		VolumeUUID:        uuid.New(),
		NextAvailablePage: 1,
		MaximumPageCount:  uint64(opts.MaximumSize / int64(v.pageSize)),
		DirectoryRoot:     0,
		GarbageChainRoot:  0,
		HighestUsedPage:   0,
	}
	return v.writeSuperblock()
}

func (v *Volume) loadSuperblock() error {
	buf := make([]byte, superblockSize)
	if _, err := v.file.ReadAt(buf, 0); err != nil {
		return err
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return err
	}
	v.sb = *sb
	v.pageSize = int(sb.PageSize)
	return nil
}

func (v *Volume) writeSuperblock() error {
	buf := encodeSuperblock(&v.sb, v.pageSize)
	if _, err := v.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return v.file.Sync()
}

// SetDirectory wires in the B+Tree-backed directory used by
// CreateTree/DropTree/TreeRoot.
func (v *Volume) SetDirectory(d DirectoryTree) { v.dir = d }

func (v *Volume) PageSize() int   { return v.pageSize }
func (v *Volume) UUID() uuid.UUID { return v.sb.VolumeUUID }

func (v *Volume) offset(addr uint64) int64 { return int64(addr) * int64(v.pageSize) }

// ReadPage reads and decodes the page at addr (page 0 is the
// superblock and is never fetched this way).
func (v *Volume) ReadPage(addr uint64) (*page.Page, error) {
	buf := make([]byte, v.pageSize)
	if _, err := v.file.ReadAt(buf, v.offset(addr)); err != nil {
		return nil, err
	}
	p, err := page.Decode(buf, v.pageSize)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// WritePage encodes and writes p at its own header address.
func (v *Volume) WritePage(p *page.Page) error {
	if v.readOnly {
		return errs.New(errs.KindVolumeClosed, "volume is read-only")
	}
	buf, err := p.Encode(v.pageSize)
	if err != nil {
		return err
	}
	if _, err := v.file.WriteAt(buf, v.offset(p.Header.Addr)); err != nil {
		return err
	}
	return nil
}

// Sync flushes the volume file to stable storage. Callers must have
// already flushed the journal records describing these pages first.
func (v *Volume) Sync() error {
	return v.file.Sync()
}

// AllocatePage pops a free page address from the garbage chain, or
// extends the file.
func (v *Volume) AllocatePage() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.sb.GarbageChainRoot != 0 {
		addr, err := v.popGarbage()
		if err == nil {
			return addr, nil
		}
		if errs.KindOf(err) != errs.KindVolumeFull {
			return 0, err
		}
		// fall through to extension
	}

	addr := v.sb.NextAvailablePage
	needed := v.offset(addr) + int64(v.pageSize)
	if v.maximumSize > 0 && needed > v.maximumSize {
		return 0, errs.New(errs.KindVolumeFull, "volume at maximum size")
	}
	curSize, err := v.file.Size()
	if err != nil {
		return 0, err
	}
	if needed > curSize {
		grow := v.extensionSize
		if grow <= 0 {
			grow = int64(v.pageSize) * 128
		}
		newSize := curSize + grow
		if newSize < needed {
			newSize = needed
		}
		if v.maximumSize > 0 && newSize > v.maximumSize {
			newSize = v.maximumSize
		}
		if newSize < needed {
			return 0, errs.New(errs.KindVolumeFull, "cannot extend volume far enough")
		}
		if err := v.file.Truncate(newSize); err != nil {
			return 0, err
		}
	}

	v.sb.NextAvailablePage = addr + 1
	if addr > v.sb.HighestUsedPage {
		v.sb.HighestUsedPage = addr
	}
	if err := v.writeSuperblock(); err != nil {
		return 0, err
	}
	return addr, nil
}

// popGarbage pops one address from the head garbage page, reusing the
// head page itself once it is exhausted: its successor becomes the new
// head.
func (v *Volume) popGarbage() (uint64, error) {
	headAddr := v.sb.GarbageChainRoot
	buf := make([]byte, v.pageSize)
	if _, err := v.file.ReadAt(buf, v.offset(headAddr)); err != nil {
		return 0, err
	}
	next, entries, err := page.DecodeGarbagePage(buf, v.pageSize)
	if err != nil {
		return 0, err
	}

	if len(entries) > 0 {
		popped := entries[len(entries)-1]
		entries = entries[:len(entries)-1]
		out, err := page.EncodeGarbagePage(headAddr, v.pageSize, next, entries)
		if err != nil {
			return 0, err
		}
		if _, err := v.file.WriteAt(out, v.offset(headAddr)); err != nil {
			return 0, err
		}
		return popped, nil
	}

	// Head page exhausted: reuse the head page itself as the allocated
	// page, promoting its successor to be the new chain root.
	v.sb.GarbageChainRoot = next
	if err := v.writeSuperblock(); err != nil {
		return 0, err
	}
	return headAddr, nil
}

// FreePage appends addr to the garbage chain, pushing onto the leftmost
// (head) garbage page; when there is no head yet, or the head is full,
// the freed page itself becomes the new head.
func (v *Volume) FreePage(addr uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	headAddr := v.sb.GarbageChainRoot
	if headAddr == 0 {
		// Reuse the freed page itself as the new (empty) head.
		out, err := page.EncodeGarbagePage(addr, v.pageSize, 0, nil)
		if err != nil {
			return err
		}
		if _, err := v.file.WriteAt(out, v.offset(addr)); err != nil {
			return err
		}
		v.sb.GarbageChainRoot = addr
		return v.writeSuperblock()
	}

	buf := make([]byte, v.pageSize)
	if _, err := v.file.ReadAt(buf, v.offset(headAddr)); err != nil {
		return err
	}
	next, entries, err := page.DecodeGarbagePage(buf, v.pageSize)
	if err != nil {
		return err
	}
	if len(entries) >= page.GarbageCapacity(v.pageSize) {
		// This head page is full: addr becomes the new head, chained to
		// the old one.
		out, err := page.EncodeGarbagePage(addr, v.pageSize, headAddr, nil)
		if err != nil {
			return err
		}
		if _, err := v.file.WriteAt(out, v.offset(addr)); err != nil {
			return err
		}
		v.sb.GarbageChainRoot = addr
		return v.writeSuperblock()
	}

	entries = append(entries, addr)
	out, err := page.EncodeGarbagePage(headAddr, v.pageSize, next, entries)
	if err != nil {
		return err
	}
	if _, err := v.file.WriteAt(out, v.offset(headAddr)); err != nil {
		return err
	}
	return nil
}

// TreeRoot looks up a tree's root page address by name.
func (v *Volume) TreeRoot(ctx context.Context, name string) (uint64, bool, error) {
	if v.dir == nil {
		return 0, false, errs.New(errs.KindTreeNotFound, "directory not wired")
	}
	return v.dir.Lookup(ctx, name)
}

// CreateTree allocates a fresh root page and registers name -> root in
// the directory, failing TreeAlreadyExists if name is already present.
func (v *Volume) CreateTree(ctx context.Context, name string) (uint64, error) {
	if v.dir == nil {
		return 0, errs.New(errs.KindTreeNotFound, "directory not wired")
	}
	if _, found, err := v.dir.Lookup(ctx, name); err != nil {
		return 0, err
	} else if found {
		return 0, errs.Newf(errs.KindTreeAlreadyExists, "tree %q already exists", name)
	}
	addr, err := v.AllocatePage()
	if err != nil {
		return 0, err
	}
	root := page.NewLeaf(addr, v.pageSize)
	if err := v.WritePage(root); err != nil {
		return 0, err
	}
	if err := v.dir.Insert(ctx, name, addr); err != nil {
		return 0, err
	}
	return addr, nil
}

// DropTree removes name from the directory. Cascading page reclamation
// (freeing every page of the tree) is the caller's responsibility via
// internal/btree, which knows how to walk the tree's pages.
func (v *Volume) DropTree(ctx context.Context, name string) error {
	if v.dir == nil {
		return errs.New(errs.KindTreeNotFound, "directory not wired")
	}
	return v.dir.Delete(ctx, name)
}

// Truncate resets the volume to a single page (the superblock),
// releasing every other page. Fails TruncateVolume when createdHere is
// false; the Volume does not itself track whether it created the file.
func (v *Volume) Truncate(createdHere bool) error {
	if !createdHere {
		return errs.New(errs.KindTruncateVolume, "volume was not created by this session")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.file.Truncate(int64(v.pageSize)); err != nil {
		return err
	}
	v.sb.NextAvailablePage = 1
	v.sb.GarbageChainRoot = 0
	v.sb.DirectoryRoot = 0
	v.sb.HighestUsedPage = 0
	return v.writeSuperblock()
}

// Extend grows the underlying file to newLen bytes.
func (v *Volume) Extend(newLen int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.maximumSize > 0 && newLen > v.maximumSize {
		return errs.New(errs.KindVolumeFull, "requested extension exceeds maximumSize")
	}
	if err := v.file.Truncate(newLen); err != nil {
		return err
	}
	return nil
}

// Close flushes the superblock and closes the underlying file.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.writeSuperblock(); err != nil {
		return err
	}
	if err := v.file.Close(); err != nil {
		return err
	}
	return nil
}

// DirectoryRoot exposes the root address of the directory tree so the
// engine can construct a btree.Directory bound to it (and then call
// SetDirectory). It is 0 until SetDirectoryRoot records one.
func (v *Volume) DirectoryRoot() uint64 { return v.sb.DirectoryRoot }

// SetDirectoryRoot persists a newly allocated directory tree root.
func (v *Volume) SetDirectoryRoot(addr uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sb.DirectoryRoot = addr
	return v.writeSuperblock()
}

// Path returns the volume's file path.
func (v *Volume) Path() string { return v.path }
