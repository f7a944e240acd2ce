package image

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeAssets(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestTryboot(t *testing.T) {
	assets := writeAssets(t, map[string]string{
		"tryboot/config.txt":      "[all]\n",
		"tryboot/tryboot.txt":     "[all]\ntryboot_a_b=1\n",
		"tryboot/overlays/README": "overlays\n",
		"grub/bin/BOOTAA64.efi":   "unused",
	})

	var buf bytes.Buffer
	if err := writeBootTree(&buf, BootTryboot, assets, "arm64", SlotA); err != nil {
		t.Fatal(err)
	}

	names, files := untar(t, buf.Bytes())
	want := []string{"config.txt", "overlays/", "overlays/README", "tryboot.txt"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	if string(files["tryboot.txt"]) != "[all]\ntryboot_a_b=1\n" {
		t.Fatalf("tryboot.txt = %q", files["tryboot.txt"])
	}
}

func TestGrubEFI(t *testing.T) {
	assets := writeAssets(t, map[string]string{
		"grub/bin/BOOTAA64.efi":   "arm64 loader",
		"grub/bin/BOOTX64.efi":    "amd64 loader",
		"grub/cfg/first.grub.cfg": "load_env\n",
	})

	tests := []struct {
		arch   string
		binary string
		loader string
	}{
		{"arm64", "BOOTAA64.efi", "arm64 loader"},
		{"amd64", "BOOTX64.efi", "amd64 loader"},
		{"x86_64", "BOOTX64.efi", "amd64 loader"},
	}

	for _, tt := range tests {
		t.Run(tt.arch, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeBootTree(&buf, BootGrubEFI, assets, tt.arch, SlotB); err != nil {
				t.Fatal(err)
			}

			names, files := untar(t, buf.Bytes())
			want := []string{"EFI/", "EFI/BOOT/", "EFI/BOOT/" + tt.binary, "kiln/", "kiln/grub.cfg", "kiln/grubenv"}
			if diff := cmp.Diff(want, names); diff != "" {
				t.Fatalf("entries mismatch (-want +got):\n%s", diff)
			}
			if got := string(files["EFI/BOOT/"+tt.binary]); got != tt.loader {
				t.Fatalf("loader = %q, want %q", got, tt.loader)
			}

			env := files["kiln/grubenv"]
			if len(env) != grubEnvSize {
				t.Fatalf("grubenv size = %d, want %d", len(env), grubEnvSize)
			}
			if !strings.HasPrefix(string(env), grubEnvHeader+"kiln_slot=b\n#") {
				t.Fatalf("grubenv = %q", env[:64])
			}
		})
	}
}

func TestBootFlowErrors(t *testing.T) {
	assets := writeAssets(t, map[string]string{"grub/bin/BOOTAA64.efi": "loader"})

	tests := []struct {
		name string
		flow BootFlow
		arch string
	}{
		{"unsupported architecture", BootGrubEFI, "riscv64"},
		{"missing script", BootGrubEFI, "arm64"},
		{"missing tryboot assets", BootTryboot, "arm64"},
		{"unknown flow", "uboot", "arm64"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeBootTree(&buf, tt.flow, assets, tt.arch, SlotA); !errors.Is(err, ErrBootFlow) {
				t.Fatalf("err = %v, want ErrBootFlow", err)
			}
		})
	}
}

func TestExtractTree(t *testing.T) {
	tree := filepath.Join(t.TempDir(), "tree.tar")
	if err := os.WriteFile(tree, tarOf(t, map[string]string{"EFI/BOOT/BOOTAA64.efi": "loader", "cmdline.txt": "quiet"}), 0644); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	if err := extractTree(tree, dir, vfatEpoch); err != nil {
		t.Fatal(err)
	}

	got := readFile(t, filepath.Join(dir, "EFI", "BOOT", "BOOTAA64.efi"))
	if string(got) != "loader" {
		t.Fatalf("extracted = %q", got)
	}
	info, err := os.Stat(filepath.Join(dir, "cmdline.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(vfatEpoch) {
		t.Fatalf("mtime = %s, want %s", info.ModTime(), vfatEpoch)
	}
}

func TestEntryPathRejectsEscape(t *testing.T) {
	for _, name := range []string{"../etc/passwd", "a/../../b", ".."} {
		if _, err := entryPath("/tmp/tree", name); err == nil {
			t.Errorf("entryPath(%q) succeeded", name)
		}
	}
	got, err := entryPath("/tmp/tree", "/etc/./hostname")
	if err != nil || got != "/tmp/tree/etc/hostname" {
		t.Fatalf("entryPath = %q, %v", got, err)
	}
}

func TestEstimateTree(t *testing.T) {
	tree := filepath.Join(t.TempDir(), "tree.tar")
	big := strings.Repeat("x", int(20*MiB))
	if err := os.WriteFile(tree, tarOf(t, map[string]string{"big": big}), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		tree string
		fs   Filesystem
		want int64
	}{
		{"", FilesystemExt4, minExt4},
		{"", FilesystemVFAT, minVFAT},
		{tree, FilesystemExt4, alignUp(blockSize+20*MiB+(blockSize+20*MiB)/4, MiB)},
		{tree, FilesystemVFAT, alignUp(blockSize+20*MiB+(blockSize+20*MiB)/8, MiB)},
	}
	for _, tt := range tests {
		got, err := estimateTree(tt.tree, tt.fs)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("estimateTree(%q, %s) = %d, want %d", tt.tree, tt.fs, got, tt.want)
		}
	}
}

func TestTreeUsage(t *testing.T) {
	tree := filepath.Join(t.TempDir(), "tree.tar")
	if err := os.WriteFile(tree, tarOf(t, map[string]string{"a": "hi", "b": strings.Repeat("x", int(blockSize)+1)}), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := treeUsage(tree)
	if err != nil {
		t.Fatal(err)
	}
	if want := 2*blockSize + blockSize + 2*blockSize; got != want {
		t.Fatalf("treeUsage = %d, want %d", got, want)
	}

	if got, err := treeUsage(""); err != nil || got != 0 {
		t.Fatalf("treeUsage(\"\") = %d, %v, want 0", got, err)
	}
}
