package image

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"unicode/utf16"

	"github.com/google/uuid"
)

const (
	gptSignature       = "EFI PART"
	gptRevision        = 0x00010000
	gptHeaderSize      = 92
	gptEntryCount      = 128
	gptEntrySize       = 128
	gptNameUnits       = 36                                        // UTF-16 code units in a partition name.
	gptEntrySectors    = gptEntryCount * gptEntrySize / sectorSize // Sectors of one entry array.
	gptReservedSectors = 2 + gptEntrySectors                       // Protective MBR, header and entry array.
)

// Fields of a GPT header that differ between the primary and backup copy.
type gptHeader struct {
	current     uint64 // Sector of this header.
	backup      uint64 // Sector of the other header.
	entries     uint64 // First sector of the entry array.
	firstUsable uint64
	lastUsable  uint64
	disk        uuid.UUID
	entriesCRC  uint32
}

// Encodes a GPT header sector, computing the header checksum.
func (h *gptHeader) encode() []byte {
	buf := make([]byte, sectorSize)
	le := binary.LittleEndian

	copy(buf[0:8], gptSignature)
	le.PutUint32(buf[8:], gptRevision)
	le.PutUint32(buf[12:], gptHeaderSize)
	le.PutUint64(buf[24:], h.current)
	le.PutUint64(buf[32:], h.backup)
	le.PutUint64(buf[40:], h.firstUsable)
	le.PutUint64(buf[48:], h.lastUsable)
	guid := mixedEndian(h.disk)
	copy(buf[56:72], guid[:])
	le.PutUint64(buf[72:], h.entries)
	le.PutUint32(buf[80:], gptEntryCount)
	le.PutUint32(buf[84:], gptEntrySize)
	le.PutUint32(buf[88:], h.entriesCRC)

	le.PutUint32(buf[16:], crc32.ChecksumIEEE(buf[:gptHeaderSize]))
	return buf
}

// Encodes the partition entry array.
func encodeGPTEntries(l *Layout, placements []Placement) ([]byte, error) {
	buf := make([]byte, gptEntryCount*gptEntrySize)
	le := binary.LittleEndian

	for i, pl := range placements {
		kind, err := gptType(&l.Partitions[i])
		if err != nil {
			return nil, err
		}

		e := buf[i*gptEntrySize : (i+1)*gptEntrySize]
		t := mixedEndian(kind)
		u := mixedEndian(l.partitionGUID(pl.Name))
		copy(e[0:16], t[:])
		copy(e[16:32], u[:])
		le.PutUint64(e[32:], uint64(pl.Offset/sectorSize))
		le.PutUint64(e[40:], uint64(pl.End()/sectorSize-1))
		for j, unit := range utf16Units(pl.Name) {
			le.PutUint16(e[56+2*j:], unit)
		}
	}
	return buf, nil
}

// Writes a GPT describing the placements into an image of the given size.
//
// Writes the protective MBR, the primary header and entry array at the start
// of the image, and the backup entry array and header at its end.
func writeGPT(w io.WriterAt, l *Layout, placements []Placement, size int64) error {
	entries, err := encodeGPTEntries(l, placements)
	if err != nil {
		return err
	}

	last := uint64(size/sectorSize - 1)
	crc := crc32.ChecksumIEEE(entries)
	disk := l.diskGUID()

	primary := gptHeader{
		current:     1,
		backup:      last,
		entries:     2,
		firstUsable: gptReservedSectors,
		lastUsable:  last - gptEntrySectors - 1,
		disk:        disk,
		entriesCRC:  crc,
	}
	backup := primary
	backup.current, backup.backup = last, 1
	backup.entries = last - gptEntrySectors

	sectors := min(size/sectorSize-1, mbrMaxSector)
	protective := encodeMBR(0, []mbrEntry{{
		kind:    mbrProtectiveType,
		start:   1,
		sectors: uint32(sectors),
	}})

	writes := []struct {
		data   []byte
		sector uint64
	}{
		{protective, 0},
		{primary.encode(), primary.current},
		{entries, primary.entries},
		{entries, backup.entries},
		{backup.encode(), backup.current},
	}
	for _, wr := range writes {
		if _, err := w.WriteAt(wr.data, int64(wr.sector)*sectorSize); err != nil {
			return err
		}
	}
	return nil
}

// Returns the on-disk GUID encoding, which stores the first three fields
// little-endian.
func mixedEndian(u uuid.UUID) [16]byte {
	var b [16]byte
	copy(b[:], u[:])
	b[0], b[1], b[2], b[3] = u[3], u[2], u[1], u[0]
	b[4], b[5] = u[5], u[4]
	b[6], b[7] = u[7], u[6]
	return b
}

// Returns the UTF-16 encoding of a partition name.
func utf16Units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}
