package image

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (

	// Size of a GRUB environment block.
	grubEnvSize = 1024

	// Header line of a GRUB environment block.
	grubEnvHeader = "# GRUB Environment Block\n"
)

// GRUB EFI binaries by architecture.
var grubBinaries = map[string]string{
	"arm64":   "BOOTAA64.efi",
	"aarch64": "BOOTAA64.efi",
	"amd64":   "BOOTX64.efi",
	"x86_64":  "BOOTX64.efi",
}

// Writes the boot partition tree of a boot flow as a tar archive.
//
// Assets are read from the boot asset directory. The tryboot flow copies the
// tryboot directory as-is. The grub-efi flow installs the architecture's
// GRUB binary as the removable-media boot loader, the first stage script, and
// a default environment booting the given slot.
func writeBootTree(w io.Writer, flow BootFlow, assets, arch string, slot Slot) error {
	tw := newTreeWriter(w)

	var err error
	switch flow {
	case BootTryboot:
		err = tryboot(tw, assets)
	case BootGrubEFI:
		err = grubEFI(tw, assets, arch, slot)
	default:
		err = fmt.Errorf("unknown boot flow %q", flow)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBootFlow, flow, err)
	}

	return tw.close()
}

func tryboot(tw *treeWriter, assets string) error {
	dir := filepath.Join(assets, "tryboot")
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return tw.tree("", dir)
}

func grubEFI(tw *treeWriter, assets, arch string, slot Slot) error {
	binary, ok := grubBinaries[arch]
	if !ok {
		return fmt.Errorf("no GRUB support for architecture %q", arch)
	}

	steps := []func() error{
		func() error { return tw.dir("EFI") },
		func() error { return tw.dir("EFI/BOOT") },
		func() error { return tw.file("EFI/BOOT/"+binary, filepath.Join(assets, "grub", "bin", binary)) },
		func() error { return tw.dir("kiln") },
		func() error { return tw.file("kiln/grub.cfg", filepath.Join(assets, "grub", "cfg", "first.grub.cfg")) },
		func() error { return tw.bytes("kiln/grubenv", grubEnv([][2]string{{"kiln_slot", string(slot)}})) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// Encodes a GRUB environment block holding the given variables.
func grubEnv(vars [][2]string) []byte {
	var b bytes.Buffer
	b.WriteString(grubEnvHeader)
	for _, kv := range vars {
		fmt.Fprintf(&b, "%s=%s\n", kv[0], kv[1])
	}
	b.Write(bytes.Repeat([]byte{'#'}, max(grubEnvSize-b.Len(), 0)))
	return b.Bytes()
}
