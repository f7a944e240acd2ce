package image

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pelletier/go-toml/v2"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{in: "512MiB", want: Bytes(512 * MiB)},
		{in: "4K", want: Bytes(4 * KiB)},
		{in: "2 GiB", want: Bytes(2 * GiB)},
		{in: "1048576", want: Bytes(MiB)},
		{in: "100B", want: Bytes(100)},
		{in: "content", want: FromContent()},
		{in: "", wantErr: true},
		{in: "1.5G", wantErr: true},
		{in: "-1M", wantErr: true},
		{in: "12XB", wantErr: true},
		{in: "99999999999GiB", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidLayout) {
					t.Fatalf("err = %v, want ErrInvalidLayout", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Fatalf("ParseSize(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSizeString(t *testing.T) {
	tests := map[Size]string{
		Bytes(GiB):        "1GiB",
		Bytes(3 * MiB):    "3MiB",
		Bytes(1536 * KiB): "1536KiB",
		Bytes(100):        "100",
		FromContent():     "content",
	}
	for size, want := range tests {
		if got := size.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}

func TestLayoutDecodeTOML(t *testing.T) {
	src := `
table = "gpt"
alignment = "4MiB"
boot = "grub-efi"

[[partitions]]
name = "efi"
size = "64MiB"
filesystem = "vfat"
type = "efi"
source = { kind = "boot" }

[[partitions]]
name = "root-a"
size = "content"
filesystem = "ext4"
slot = "a"
source = { kind = "rootfs" }
`
	var l Layout
	if err := toml.Unmarshal([]byte(src), &l); err != nil {
		t.Fatal(err)
	}

	want := Layout{
		Table:     TableGPT,
		Alignment: Bytes(4 * MiB),
		Boot:      BootGrubEFI,
		Partitions: []Partition{
			{Name: "efi", Size: Bytes(64 * MiB), Filesystem: FilesystemVFAT, Type: "efi", Source: Source{Kind: SourceBoot}},
			{Name: "root-a", Size: FromContent(), Filesystem: FilesystemExt4, Slot: SlotA, Source: Source{Kind: SourceRootFS}},
		},
	}
	if diff := cmp.Diff(want, l); diff != "" {
		t.Fatalf("layout mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(l *Layout)
		want   error
	}{
		{
			name:   "valid",
			modify: func(l *Layout) {},
		},
		{
			name:   "unknown table",
			modify: func(l *Layout) { l.Table = "apm" },
			want:   ErrInvalidLayout,
		},
		{
			name:   "unknown boot flow",
			modify: func(l *Layout) { l.Boot = "uboot" },
			want:   ErrInvalidLayout,
		},
		{
			name:   "no partitions",
			modify: func(l *Layout) { l.Partitions = nil },
			want:   ErrInvalidLayout,
		},
		{
			name:   "duplicate name",
			modify: func(l *Layout) { l.Partitions[3].Name = "config" },
			want:   ErrInvalidLayout,
		},
		{
			name:   "relative rootfs path",
			modify: func(l *Layout) { l.Partitions[3].Source = Source{Kind: SourceRootFS, Path: "kiln/root"} },
			want:   ErrInvalidLayout,
		},
		{
			name:   "slots with different rootfs paths",
			modify: func(l *Layout) { l.Partitions[1].Source.Path = "/kiln/root" },
			want:   ErrLayoutConflict,
		},
		{
			name:   "missing size",
			modify: func(l *Layout) { l.Partitions[0].Size = Size{} },
			want:   ErrInvalidLayout,
		},
		{
			name:   "unaligned size",
			modify: func(l *Layout) { l.Partitions[0].Size = Bytes(1000) },
			want:   ErrInvalidLayout,
		},
		{
			name:   "unaligned offset",
			modify: func(l *Layout) { l.Partitions[0].Offset = Bytes(1000) },
			want:   ErrInvalidLayout,
		},
		{
			name:   "unknown filesystem",
			modify: func(l *Layout) { l.Partitions[0].Filesystem = "btrfs" },
			want:   ErrInvalidLayout,
		},
		{
			name:   "file without path",
			modify: func(l *Layout) { l.Partitions[0].Source = Source{Kind: SourceFile} },
			want:   ErrInvalidLayout,
		},
		{
			name:   "boot without flow",
			modify: func(l *Layout) { l.Partitions[0].Source = Source{Kind: SourceBoot} },
			want:   ErrInvalidLayout,
		},
		{
			name:   "invalid type",
			modify: func(l *Layout) { l.Partitions[0].Type = "not-a-guid" },
			want:   ErrInvalidLayout,
		},
		{
			name:   "name too long for GPT",
			modify: func(l *Layout) { l.Partitions[0].Name = "a-very-long-partition-name-beyond-the-limit" },
			want:   ErrInvalidLayout,
		},
		{
			name:   "root without slot",
			modify: func(l *Layout) { l.Partitions[2].Slot = SlotNone },
			want:   ErrLayoutConflict,
		},
		{
			name:   "missing slot b",
			modify: func(l *Layout) { l.Partitions = append(l.Partitions[:2], l.Partitions[3]) },
			want:   ErrLayoutConflict,
		},
		{
			name:   "slot used twice",
			modify: func(l *Layout) { l.Partitions[2].Slot = SlotA },
			want:   ErrLayoutConflict,
		},
		{
			name:   "slot sizes differ",
			modify: func(l *Layout) { l.Partitions[2].Size = Bytes(4 * MiB) },
			want:   ErrLayoutConflict,
		},
		{
			name:   "slot filesystems differ",
			modify: func(l *Layout) { l.Partitions[2].Filesystem = FilesystemExt4 },
			want:   ErrLayoutConflict,
		},
		{
			name:   "no root filesystem",
			modify: func(l *Layout) { l.Partitions = l.Partitions[:1] },
			want:   ErrLayoutConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := rawLayout(TableGPT)
			tt.modify(l)

			err := l.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	l := rawLayout(TableGPT)
	l.setDefaults("target")

	placements, size, err := plan(l, map[string]int64{"root-a": 1000, "root-b": 1000}, SlotA)
	if err != nil {
		t.Fatal(err)
	}

	want := []Placement{
		{Number: 1, Name: "config", Offset: MiB, Size: MiB, Filesystem: FilesystemRaw, Source: SourceEmpty, Written: true},
		{Number: 2, Name: "root-a", Offset: 2 * MiB, Size: 2 * MiB, Filesystem: FilesystemRaw, Source: SourceRootFS, Slot: SlotA, Written: true},
		{Number: 3, Name: "root-b", Offset: 4 * MiB, Size: 2 * MiB, Filesystem: FilesystemRaw, Source: SourceRootFS, Slot: SlotB},
		{Number: 4, Name: "data", Offset: 6 * MiB, Size: MiB, Filesystem: FilesystemRaw, Source: SourceEmpty, Written: true},
	}
	if diff := cmp.Diff(want, placements); diff != "" {
		t.Fatalf("placements mismatch (-want +got):\n%s", diff)
	}

	// The backup GPT needs room after the last partition.
	if size != 8*MiB {
		t.Fatalf("size = %d, want %d", size, 8*MiB)
	}
}

func TestPlanSlotB(t *testing.T) {
	l := rawLayout(TableMBR)
	l.setDefaults("target")

	placements, size, err := plan(l, nil, SlotB)
	if err != nil {
		t.Fatal(err)
	}
	if placements[1].Written || !placements[2].Written {
		t.Fatalf("written = %v/%v, want slot b only", placements[1].Written, placements[2].Written)
	}
	if size != 7*MiB {
		t.Fatalf("size = %d, want %d", size, 7*MiB)
	}
}

func TestPlanContentSize(t *testing.T) {
	l := rawLayout(TableMBR)
	l.Partitions[1].Size = FromContent()
	l.Partitions[2].Size = FromContent()
	l.Partitions[1].Align = Bytes(sectorSize)
	l.setDefaults("target")

	placements, _, err := plan(l, map[string]int64{"root-a": 3*MiB + 1, "root-b": 3*MiB + 1}, SlotA)
	if err != nil {
		t.Fatal(err)
	}

	a, b := placements[1], placements[2]
	if a.Size != 3*MiB+sectorSize || b.Size != a.Size {
		t.Fatalf("slot sizes = %d/%d, want %d", a.Size, b.Size, 3*MiB+sectorSize)
	}
	if b.Offset%MiB != 0 {
		t.Fatalf("slot b offset %d is not aligned", b.Offset)
	}
}

func TestPlanErrors(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(l *Layout)
		content map[string]int64
		want    error
	}{
		{
			name:    "content exceeds fixed size",
			content: map[string]int64{"root-a": 2*MiB + 1, "root-b": 2*MiB + 1},
			want:    ErrInsufficientSpace,
		},
		{
			name: "explicit offset overlaps",
			modify: func(l *Layout) {
				l.Partitions[2].Offset = Bytes(3 * MiB)
			},
			want: ErrLayoutConflict,
		},
		{
			name: "offset inside table",
			modify: func(l *Layout) {
				l.Partitions[0].Offset = Bytes(sectorSize)
			},
			want: ErrLayoutConflict,
		},
		{
			name: "image too small",
			modify: func(l *Layout) {
				l.Size = Bytes(6 * MiB)
			},
			want: ErrLayoutConflict,
		},
		{
			name: "too many MBR partitions",
			modify: func(l *Layout) {
				l.Table = TableMBR
				l.Partitions = append(l.Partitions, Partition{Name: "extra", Size: Bytes(MiB), Source: Source{Kind: SourceEmpty}})
			},
			want: ErrLayoutConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := rawLayout(TableGPT)
			if tt.modify != nil {
				tt.modify(l)
			}
			l.setDefaults("target")

			if _, _, err := plan(l, tt.content, SlotA); !errors.Is(err, tt.want) {
				t.Fatalf("plan() = %v, want %v", err, tt.want)
			}
		})
	}
}
