package image

import "fmt"

const (

	// Logical sector size of assembled images.
	sectorSize = 512

	// Maximum number of primary partitions in an MBR.
	mbrMaxPartitions = 4

	// Largest sector number addressable by an MBR entry.
	mbrMaxSector = 1<<32 - 1
)

// Position of a partition in an assembled image.
type Placement struct {
	Number     int        `json:"number"`         // Partition number, starting at 1.
	Name       string     `json:"name"`           // Partition label.
	Offset     int64      `json:"offset"`         // Start offset in bytes.
	Size       int64      `json:"size"`           // Size in bytes.
	Filesystem Filesystem `json:"filesystem"`     // Filesystem in the partition.
	Source     SourceKind `json:"source"`         // Content origin.
	Slot       Slot       `json:"slot,omitempty"` // A/B slot, if any.
	Written    bool       `json:"written"`        // Whether content was written.
}

// Returns the first byte after the partition.
func (p *Placement) End() int64 {
	return p.Offset + p.Size
}

// Bytes reserved for the partition table at the start and end of the image.
func reserved(t Table) (head, tail int64) {
	if t == TableGPT {
		return gptReservedSectors * sectorSize, (gptReservedSectors - 1) * sectorSize
	}
	return sectorSize, 0
}

// Computes partition positions and the image size.
//
// The layout must be validated and have defaults applied. Content holds the
// content size of each partition by name. Partitions of the active slot are
// marked as written; their partners stay empty. Returns an error wrapping
// [ErrInsufficientSpace] when content does not fit a fixed-size partition, and
// [ErrLayoutConflict] when partitions overlap, the table cannot describe the
// layout, or the partitions do not fit a fixed image size.
func plan(l *Layout, content map[string]int64, active Slot) ([]Placement, int64, error) {
	if l.Table == TableMBR && len(l.Partitions) > mbrMaxPartitions {
		return nil, 0, fmt.Errorf("%w: %d partitions exceed the MBR limit of %d", ErrLayoutConflict, len(l.Partitions), mbrMaxPartitions)
	}

	head, tail := reserved(l.Table)
	cursor := head
	placements := make([]Placement, 0, len(l.Partitions))

	for i := range l.Partitions {
		p := &l.Partitions[i]
		need := content[p.Name]

		size := p.Size.Bytes
		if p.Size.Content {
			size = alignUp(max(need, sectorSize), sectorSize)
		} else if need > size {
			return nil, 0, fmt.Errorf("%w: partition %q holds %d bytes but content needs %d", ErrInsufficientSpace, p.Name, size, need)
		}

		offset := alignUp(cursor, p.Align.Bytes)
		if o := p.Offset.Bytes; o != 0 {
			if o < cursor {
				return nil, 0, fmt.Errorf("%w: partition %q at offset %d overlaps the preceding region ending at %d", ErrLayoutConflict, p.Name, o, cursor)
			}
			offset = o
		}

		placements = append(placements, Placement{
			Number:     i + 1,
			Name:       p.Name,
			Offset:     offset,
			Size:       size,
			Filesystem: p.Filesystem,
			Source:     p.Source.Kind,
			Slot:       p.Slot,
			Written:    p.Slot == SlotNone || p.Slot == active,
		})
		cursor = offset + size
	}

	total := alignUp(cursor+tail, l.Alignment.Bytes)
	if l.Size.Bytes != 0 {
		if cursor+tail > l.Size.Bytes {
			return nil, 0, fmt.Errorf("%w: partitions need %d bytes but the image is %d", ErrLayoutConflict, cursor+tail, l.Size.Bytes)
		}
		total = l.Size.Bytes
	}

	if l.Table == TableMBR && total/sectorSize > mbrMaxSector {
		return nil, 0, fmt.Errorf("%w: image of %d bytes exceeds the MBR addressing limit", ErrLayoutConflict, total)
	}

	return placements, total, nil
}
