package volume

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/persistit/persistit/internal/errs"
)

// superblockMagic is "PRSTVOLM" in ASCII.
var superblockMagic = [8]byte{'P', 'R', 'S', 'T', 'V', 'O', 'L', 'M'}

const superblockFormatVersion uint32 = 1

// superblockSize is the fixed byte layout of page 0:
//
//	0  : Magic                 [8]byte
//	8  : FormatVersion         uint32
//	12 : PageSize              uint32
//	16 : VolumeUUID            [16]byte
//	32 : CreationTimestamp     uint64
//	40 : NextAvailablePage     uint64
//	48 : MaximumPageCount      uint64
//	56 : DirectoryTreeRoot     uint64
//	64 : GarbageChainRoot      uint64
//	72 : HighestUsedPage       uint64
//	80 : Flags                uint32
//	84 : HeaderChecksum (CRC32) uint32
const superblockSize = 88

// Superblock is the decoded form of page 0.
type Superblock struct {
	PageSize          uint32
	VolumeUUID        uuid.UUID
	CreationTimestamp uint64
	NextAvailablePage uint64
	MaximumPageCount  uint64
	DirectoryRoot     uint64
	GarbageChainRoot  uint64
	HighestUsedPage   uint64
	Flags             uint32
}

const (
	FlagReadOnly uint32 = 1 << 0
)

func encodeSuperblock(sb *Superblock, pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf[0:8], superblockMagic[:])
	binary.BigEndian.PutUint32(buf[8:12], superblockFormatVersion)
	binary.BigEndian.PutUint32(buf[12:16], sb.PageSize)
	copy(buf[16:32], sb.VolumeUUID[:])
	binary.BigEndian.PutUint64(buf[32:40], sb.CreationTimestamp)
	binary.BigEndian.PutUint64(buf[40:48], sb.NextAvailablePage)
	binary.BigEndian.PutUint64(buf[48:56], sb.MaximumPageCount)
	binary.BigEndian.PutUint64(buf[56:64], sb.DirectoryRoot)
	binary.BigEndian.PutUint64(buf[64:72], sb.GarbageChainRoot)
	binary.BigEndian.PutUint64(buf[72:80], sb.HighestUsedPage)
	binary.BigEndian.PutUint32(buf[80:84], sb.Flags)
	binary.BigEndian.PutUint32(buf[84:88], 0)
	sum := crc32.ChecksumIEEE(buf[:84])
	binary.BigEndian.PutUint32(buf[84:88], sum)
	return buf
}

func decodeSuperblock(buf []byte) (*Superblock, error) {
	if len(buf) < superblockSize {
		return nil, errs.New(errs.KindCorruptVolume, "superblock shorter than minimum size")
	}
	var magic [8]byte
	copy(magic[:], buf[0:8])
	if magic != superblockMagic {
		return nil, errs.New(errs.KindCorruptVolume, "bad superblock magic")
	}
	want := binary.BigEndian.Uint32(buf[84:88])
	check := make([]byte, 88)
	copy(check, buf[:88])
	binary.BigEndian.PutUint32(check[84:88], 0)
	got := crc32.ChecksumIEEE(check[:84])
	if want != got {
		return nil, errs.New(errs.KindCorruptVolume, "superblock checksum mismatch")
	}

	sb := &Superblock{
		PageSize:          binary.BigEndian.Uint32(buf[12:16]),
		CreationTimestamp: binary.BigEndian.Uint64(buf[32:40]),
		NextAvailablePage: binary.BigEndian.Uint64(buf[40:48]),
		MaximumPageCount:  binary.BigEndian.Uint64(buf[48:56]),
		DirectoryRoot:     binary.BigEndian.Uint64(buf[56:64]),
		GarbageChainRoot:  binary.BigEndian.Uint64(buf[64:72]),
		HighestUsedPage:   binary.BigEndian.Uint64(buf[72:80]),
		Flags:             binary.BigEndian.Uint32(buf[80:84]),
	}
	copy(sb.VolumeUUID[:], buf[16:32])
	return sb, nil
}
