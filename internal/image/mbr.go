package image

import (
	"encoding/binary"
	"io"
)

const (
	mbrSignatureOffset = 510 // Offset of the 0x55AA boot signature.
	mbrDiskIDOffset    = 440 // Offset of the 32-bit disk signature.
	mbrTableOffset     = 446 // Offset of the first partition entry.
	mbrEntrySize       = 16  // Size of a partition entry.
	mbrBootable        = 0x80
	mbrProtectiveType  = 0xee
)

// A primary partition entry of an MBR.
type mbrEntry struct {
	bootable bool
	kind     byte
	start    uint32 // First sector.
	sectors  uint32 // Number of sectors.
}

// Encodes an MBR sector with the given disk signature and entries.
func encodeMBR(diskID uint32, entries []mbrEntry) []byte {
	buf := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(buf[mbrDiskIDOffset:], diskID)

	for i, e := range entries {
		b := buf[mbrTableOffset+i*mbrEntrySize:]
		if e.bootable {
			b[0] = mbrBootable
		}
		first := chs(int64(e.start))
		last := chs(int64(e.start) + int64(e.sectors) - 1)
		copy(b[1:4], first[:])
		b[4] = e.kind
		copy(b[5:8], last[:])
		binary.LittleEndian.PutUint32(b[8:], e.start)
		binary.LittleEndian.PutUint32(b[12:], e.sectors)
	}

	buf[mbrSignatureOffset] = 0x55
	buf[mbrSignatureOffset+1] = 0xaa
	return buf
}

// Converts a sector number to a cylinder/head/sector triple.
//
// Uses the conventional 255 heads and 63 sectors per track. Sectors beyond
// cylinder 1023 are encoded as the maximum value, leaving LBA fields
// authoritative.
func chs(lba int64) [3]byte {
	const heads, sectors = 255, 63

	c := lba / (heads * sectors)
	if c > 1023 {
		return [3]byte{0xfe, 0xff, 0xff}
	}
	h := (lba / sectors) % heads
	s := lba%sectors + 1
	return [3]byte{byte(h), byte(s) | byte((c>>2)&0xc0), byte(c)}
}

// Writes an MBR partition table describing the placements.
//
// The first partition holding boot flow content is marked bootable.
func writeMBR(w io.WriterAt, l *Layout, placements []Placement) error {
	entries := make([]mbrEntry, 0, len(placements))
	boot := false

	for i, pl := range placements {
		kind, err := mbrType(&l.Partitions[i])
		if err != nil {
			return err
		}
		e := mbrEntry{
			kind:    kind,
			start:   uint32(pl.Offset / sectorSize),
			sectors: uint32(pl.Size / sectorSize),
		}
		if pl.Source == SourceBoot && !boot {
			e.bootable, boot = true, true
		}
		entries = append(entries, e)
	}

	guid := l.diskGUID()
	_, err := w.WriteAt(encodeMBR(binary.LittleEndian.Uint32(guid[:4]), entries), 0)
	return err
}
