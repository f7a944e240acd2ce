// Package image assembles partitioned disk images and update bundles.
//
// A [Layout] lists partitions in disk order, each with a size policy (fixed
// or computed from content), an alignment, an optional explicit offset, a
// content source and a filesystem. The root filesystem lives in an A/B pair
// of partitions; other slotted partitions are paired by source. The
// [Assembler] plans every placement before writing anything, writes an MBR or
// GPT, fills the partitions and renames the staged image into place. The
// root filesystem goes into the requested slot and its partner stays empty.
// Choosing and activating slots is left to the update agent on the device.
// The root filesystem is the directory of the root layer output named by the
// request's RootDir, or by a rootfs source path in the layout; its contents
// become the top of the partition.
//
// Raw partitions receive their source bytes directly. ext4 and FAT
// partitions are created by a [Formatter] from a tar tree, using identifiers
// derived from the layout's disk id so that identical inputs yield identical
// images. Boot flows ("tryboot", "grub-efi") produce the tree of boot
// sources from the boot asset directory.
//
// When a bundle path is given, the content written into the slot is also
// packaged as an update bundle: a tar archive with a manifest.json of OCI
// descriptors and one xz-compressed payload per partition.
//
// Example usage:
//
//	asm := image.NewAssembler(image.Options{Scratch: paths.Scratch()})
//
//	img, err := asm.Assemble(ctx, image.Request{
//	    Target: "app@board=rpi4",
//	    RootFS: func(ctx context.Context) (io.ReadCloser, error) { return os.Open("rootfs.tar") },
//	    RootDir: "/kiln/root",
//	    Layout: layout,
//	    Output: "out/app-rpi4.img",
//	    Bundle: "out/app-rpi4.bundle",
//	})
//	if err != nil {
//	    return err
//	}
//
//	fmt.Println(img.Path, img.Digest)
package image
