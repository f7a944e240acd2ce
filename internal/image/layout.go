package image

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Partition table format.
type Table string

const (
	TableMBR Table = "mbr" // DOS partition table, at most four primary partitions.
	TableGPT Table = "gpt" // GUID partition table with protective MBR.
)

// Filesystem placed into a partition.
type Filesystem string

const (
	FilesystemRaw  Filesystem = "raw"  // Source bytes written as-is.
	FilesystemExt4 Filesystem = "ext4" // ext4 created from a tar tree.
	FilesystemVFAT Filesystem = "vfat" // FAT created from a tar tree.
)

// Origin of a partition's content.
type SourceKind string

const (
	SourceRootFS SourceKind = "rootfs" // Output of the target's root layer.
	SourceFile   SourceKind = "file"   // File on the host. Must be a tar archive unless raw.
	SourceBoot   SourceKind = "boot"   // Files produced by the layout's boot flow.
	SourceEmpty  SourceKind = "empty"  // No content; formatted empty unless raw.
)

// A/B slot of a partition.
type Slot string

const (
	SlotNone Slot = ""
	SlotA    Slot = "a"
	SlotB    Slot = "b"
)

// Returns the other slot of an A/B pair.
func (s Slot) Partner() Slot {
	switch s {
	case SlotA:
		return SlotB
	case SlotB:
		return SlotA
	}
	return SlotNone
}

// Boot flow populating boot sources.
type BootFlow string

const (
	BootNone    BootFlow = ""
	BootTryboot BootFlow = "tryboot"  // Raspberry Pi tryboot configuration files.
	BootGrubEFI BootFlow = "grub-efi" // GRUB EFI binary with first stage script.
)

// Default partition alignment.
const DefaultAlignment = MiB

// Content of a partition.
type Source struct {
	Kind SourceKind `toml:"kind" json:"kind"`                     // Content origin.
	Path string     `toml:"path,omitempty" json:"path,omitempty"` // Host path for file sources, output directory for rootfs sources.
}

// A partition entry in a layout.
type Partition struct {
	Name       string     `toml:"name" json:"name"`                                 // Partition label, unique within the layout.
	Size       Size       `toml:"size" json:"size"`                                 // Fixed size or "content".
	Align      Size       `toml:"align,omitempty" json:"align,omitempty"`           // Start alignment. Defaults to the layout alignment.
	Offset     Size       `toml:"offset,omitempty" json:"offset,omitempty"`         // Explicit start offset.
	Source     Source     `toml:"source" json:"source"`                             // Content placed into the partition.
	Filesystem Filesystem `toml:"filesystem,omitempty" json:"filesystem,omitempty"` // Defaults to raw.
	Slot       Slot       `toml:"slot,omitempty" json:"slot,omitempty"`             // A/B slot, if any.
	Type       string     `toml:"type,omitempty" json:"type,omitempty"`             // Type alias, MBR type byte, or GPT type GUID.
}

// Ordered partition layout of a disk image.
type Layout struct {
	Table      Table       `toml:"table" json:"table"`                             // Partition table format.
	Alignment  Size        `toml:"alignment,omitempty" json:"alignment,omitempty"` // Default partition alignment.
	DiskID     string      `toml:"disk_id,omitempty" json:"disk_id,omitempty"`     // Seed for disk and partition identifiers.
	Size       Size        `toml:"size,omitempty" json:"size,omitempty"`           // Fixed image size. Computed when unset.
	Boot       BootFlow    `toml:"boot,omitempty" json:"boot,omitempty"`           // Boot flow for boot sources.
	Partitions []Partition `toml:"partitions" json:"partitions"`                   // Partitions in disk order.
}

// Checks the layout for errors that do not depend on content.
//
// Returns an error wrapping [ErrInvalidLayout] for malformed entries and
// [ErrLayoutConflict] for A/B slot sets that cannot hold each other's content.
func (l *Layout) Validate() error {
	switch l.Table {
	case TableMBR, TableGPT:
	default:
		return fmt.Errorf("%w: unknown partition table %q", ErrInvalidLayout, l.Table)
	}

	switch l.Boot {
	case BootNone, BootTryboot, BootGrubEFI:
	default:
		return fmt.Errorf("%w: unknown boot flow %q", ErrInvalidLayout, l.Boot)
	}

	if l.Alignment.Content || l.Size.Content {
		return fmt.Errorf("%w: image size and alignment must be fixed", ErrInvalidLayout)
	}
	if a := l.Alignment.Bytes; a != 0 && a%sectorSize != 0 {
		return fmt.Errorf("%w: alignment %s is not a multiple of %d", ErrInvalidLayout, l.Alignment, sectorSize)
	}
	if l.Size.Bytes%sectorSize != 0 {
		return fmt.Errorf("%w: image size %s is not a multiple of %d", ErrInvalidLayout, l.Size, sectorSize)
	}
	if len(l.Partitions) == 0 {
		return fmt.Errorf("%w: no partitions", ErrInvalidLayout)
	}

	names := make(map[string]bool, len(l.Partitions))
	for i := range l.Partitions {
		p := &l.Partitions[i]
		if err := p.validate(l); err != nil {
			return fmt.Errorf("%w: partition %d: %w", ErrInvalidLayout, i+1, err)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate partition %q", ErrInvalidLayout, p.Name)
		}
		names[p.Name] = true
	}

	return l.validateSlots()
}

func (p *Partition) validate(l *Layout) error {
	if p.Name == "" {
		return errors.New("missing name")
	}
	if l.Table == TableGPT && len(utf16Units(p.Name)) > gptNameUnits {
		return fmt.Errorf("%s: name longer than %d characters", p.Name, gptNameUnits)
	}
	if p.Size.IsZero() {
		return fmt.Errorf("%s: missing size", p.Name)
	}
	if p.Size.Bytes%sectorSize != 0 {
		return fmt.Errorf("%s: size %s is not a multiple of %d", p.Name, p.Size, sectorSize)
	}
	if p.Align.Content || p.Offset.Content {
		return fmt.Errorf("%s: alignment and offset must be fixed", p.Name)
	}
	if a := p.Align.Bytes; a != 0 && a%sectorSize != 0 {
		return fmt.Errorf("%s: alignment %s is not a multiple of %d", p.Name, p.Align, sectorSize)
	}
	if o := p.Offset.Bytes; o%sectorSize != 0 {
		return fmt.Errorf("%s: offset %s is not a multiple of %d", p.Name, p.Offset, sectorSize)
	}

	switch p.Filesystem {
	case "", FilesystemRaw, FilesystemExt4, FilesystemVFAT:
	default:
		return fmt.Errorf("%s: unknown filesystem %q", p.Name, p.Filesystem)
	}

	switch p.Source.Kind {
	case SourceEmpty:
	case SourceRootFS:
		if p.Source.Path != "" && !path.IsAbs(p.Source.Path) {
			return fmt.Errorf("%s: rootfs path %q is not absolute", p.Name, p.Source.Path)
		}
	case SourceFile:
		if p.Source.Path == "" {
			return fmt.Errorf("%s: file source requires a path", p.Name)
		}
	case SourceBoot:
		if l.Boot == BootNone {
			return fmt.Errorf("%s: boot source requires a boot flow", p.Name)
		}
	default:
		return fmt.Errorf("%s: unknown source %q", p.Name, p.Source.Kind)
	}

	switch p.Slot {
	case SlotNone, SlotA, SlotB:
	default:
		return fmt.Errorf("%s: unknown slot %q", p.Name, p.Slot)
	}

	if _, err := mbrType(p); err != nil && l.Table == TableMBR {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	if _, err := gptType(p); err != nil && l.Table == TableGPT {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	return nil
}

// Returns the partition filesystem, defaulting to raw.
func (p *Partition) filesystem() Filesystem {
	if p.Filesystem == "" {
		return FilesystemRaw
	}
	return p.Filesystem
}

// Checks that A/B partitions come in pairs that can hold the same content.
//
// Slotted partitions are paired by source kind. The root filesystem must be
// slotted, and every pair needs one partition per slot with the same
// filesystem, size policy and source path.
func (l *Layout) validateSlots() error {
	type pair struct{ a, b *Partition }
	pairs := make(map[SourceKind]*pair)
	var kinds []SourceKind

	for i := range l.Partitions {
		p := &l.Partitions[i]
		if p.Source.Kind == SourceRootFS && p.Slot == SlotNone {
			return fmt.Errorf("%w: root filesystem partition %q has no slot", ErrLayoutConflict, p.Name)
		}
		if p.Slot == SlotNone {
			continue
		}

		pr, ok := pairs[p.Source.Kind]
		if !ok {
			pr = &pair{}
			pairs[p.Source.Kind] = pr
			kinds = append(kinds, p.Source.Kind)
		}
		dst := &pr.a
		if p.Slot == SlotB {
			dst = &pr.b
		}
		if *dst != nil {
			return fmt.Errorf("%w: partitions %q and %q both use slot %s", ErrLayoutConflict, (*dst).Name, p.Name, p.Slot)
		}
		*dst = p
	}

	if _, ok := pairs[SourceRootFS]; !ok {
		return fmt.Errorf("%w: no root filesystem partitions", ErrLayoutConflict)
	}

	for _, kind := range kinds {
		pr := pairs[kind]
		switch {
		case pr.a == nil || pr.b == nil:
			return fmt.Errorf("%w: %s partitions need both slot a and slot b", ErrLayoutConflict, kind)
		case pr.a.Size != pr.b.Size:
			return fmt.Errorf("%w: slots %q (%s) and %q (%s) differ in size", ErrLayoutConflict, pr.a.Name, pr.a.Size, pr.b.Name, pr.b.Size)
		case pr.a.filesystem() != pr.b.filesystem():
			return fmt.Errorf("%w: slots %q and %q differ in filesystem", ErrLayoutConflict, pr.a.Name, pr.b.Name)
		case pr.a.Source.Path != pr.b.Source.Path:
			return fmt.Errorf("%w: slots %q and %q differ in source path", ErrLayoutConflict, pr.a.Name, pr.b.Name)
		}
	}
	return nil
}

// Fills in defaults. The receiver is modified in place.
func (l *Layout) setDefaults(target string) {
	if l.Alignment.IsZero() {
		l.Alignment = Bytes(DefaultAlignment)
	}
	if l.DiskID == "" {
		l.DiskID = target
	}
	for i := range l.Partitions {
		p := &l.Partitions[i]
		if p.Filesystem == "" {
			p.Filesystem = FilesystemRaw
		}
		if p.Align.IsZero() {
			p.Align = l.Alignment
		}
	}
}

// Namespace for identifiers derived from disk ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/cruciblehq/kiln"))

// Returns the disk GUID derived from the layout's disk id.
func (l *Layout) diskGUID() uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(l.DiskID))
}

// Returns a partition identifier derived from the disk GUID.
func (l *Layout) partitionGUID(name string) uuid.UUID {
	return uuid.NewSHA1(l.diskGUID(), []byte("partition:"+name))
}

// Returns a filesystem identifier derived from the disk GUID.
func (l *Layout) filesystemUUID(name string) uuid.UUID {
	return uuid.NewSHA1(l.diskGUID(), []byte("filesystem:"+name))
}

// Partition type aliases.
var typeAliases = map[string]struct {
	mbr byte
	gpt string
}{
	"linux": {0x83, "0fc63daf-8483-4772-8e79-3d69d8477de4"},
	"efi":   {0xef, "c12a7328-f81f-11d2-ba4b-00a0c93ec93b"},
	"fat32": {0x0c, "ebd0a0a2-b9e5-4433-87c0-68b6b72699c7"},
}

// Returns the type alias used when a partition names none.
func defaultType(p *Partition) string {
	if p.filesystem() == FilesystemVFAT {
		return "fat32"
	}
	return "linux"
}

// Resolves the MBR partition type byte.
func mbrType(p *Partition) (byte, error) {
	t := p.Type
	if t == "" {
		t = defaultType(p)
	}
	if a, ok := typeAliases[t]; ok {
		return a.mbr, nil
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(t, "0x"), 16, 8)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid MBR partition type %q", t)
	}
	return byte(v), nil
}

// Resolves the GPT partition type GUID.
func gptType(p *Partition) (uuid.UUID, error) {
	t := p.Type
	if t == "" {
		t = defaultType(p)
	}
	if a, ok := typeAliases[t]; ok {
		return uuid.MustParse(a.gpt), nil
	}
	v, err := uuid.Parse(t)
	if err != nil || v == uuid.Nil {
		return uuid.Nil, fmt.Errorf("invalid GPT partition type %q", t)
	}
	return v, nil
}
