package image

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cruciblehq/kiln/internal/paths"
)

const (

	// Longest ext4 volume label.
	ext4LabelLen = 16

	// Longest FAT volume label.
	vfatLabelLen = 11
)

// Timestamp applied to files copied into FAT filesystems. FAT cannot
// represent dates before 1980.
var vfatEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Request to create a filesystem image.
type FormatRequest struct {
	Filesystem Filesystem // Filesystem to create. Never raw.
	Label      string     // Volume label.
	UUID       uuid.UUID  // Volume identifier.
	Size       int64      // Size of the image in bytes.
	Tree       string     // Tar archive with the filesystem contents. Empty for an empty filesystem.
	Output     string     // Path of the image file to create.
}

// Creates filesystem images.
//
// Implementations must produce identical images for identical requests.
type Formatter interface {
	Format(ctx context.Context, req FormatRequest) error
}

// Formatter backed by mkfs tooling on the host.
//
// ext4 images are created with mkfs.ext4 directly from the tar tree, which
// requires e2fsprogs 1.47.1 or newer. FAT images are created with mkfs.vfat
// and populated with mcopy from an extracted copy of the tree. Timestamps,
// hash seeds and volume identifiers are fixed.
type MkfsFormatter struct {
	Scratch string // Directory for extracted trees. Defaults to the system temp directory.
}

// Creates a filesystem image.
func (m *MkfsFormatter) Format(ctx context.Context, req FormatRequest) error {
	if err := truncate(req.Output, req.Size); err != nil {
		return err
	}

	switch req.Filesystem {
	case FilesystemExt4:
		return m.ext4(ctx, req)
	case FilesystemVFAT:
		return m.vfat(ctx, req)
	}
	return fmt.Errorf("%w: unsupported filesystem %q", ErrFormat, req.Filesystem)
}

func (m *MkfsFormatter) ext4(ctx context.Context, req FormatRequest) error {
	id := req.UUID.String()
	args := []string{
		"-q", "-F",
		"-t", "ext4",
		"-b", "4096",
		"-L", truncateLabel(req.Label, ext4LabelLen),
		"-U", id,
		"-E", "hash_seed=" + id + ",root_owner=0:0",
	}
	if req.Tree != "" {
		args = append(args, "-d", req.Tree)
	}
	args = append(args, req.Output, strconv.FormatInt(req.Size/KiB, 10)+"k")

	return run(ctx, "mkfs.ext4", args...)
}

func (m *MkfsFormatter) vfat(ctx context.Context, req FormatRequest) error {
	err := run(ctx, "mkfs.vfat",
		"--invariant",
		"-i", fmt.Sprintf("%08x", binary.BigEndian.Uint32(req.UUID[:4])),
		"-n", strings.ToUpper(truncateLabel(req.Label, vfatLabelLen)),
		req.Output,
	)
	if err != nil || req.Tree == "" {
		return err
	}

	dir, err := os.MkdirTemp(m.Scratch, "kiln-vfat-*")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	defer os.RemoveAll(dir)

	if err := extractTree(req.Tree, dir, vfatEpoch); err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if len(entries) == 0 {
		return nil
	}

	args := []string{"-s", "-p", "-m", "-Q", "-i", req.Output}
	for _, e := range entries {
		args = append(args, filepath.Join(dir, e.Name()))
	}
	return run(ctx, "mcopy", append(args, "::/")...)
}

// Runs an external tool with a fixed clock, returning its output on failure.
func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(slices.Clone(os.Environ()),
		"SOURCE_DATE_EPOCH=0",
		"E2FSPROGS_FAKE_TIME=1",
		"MTOOLS_SKIP_CHECK=1",
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	slog.Debug("running formatter", "cmd", name, "args", args)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %w: %s", ErrFormat, name, err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Creates or resizes a file to exactly size bytes of zeros.
func truncate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, paths.DefaultFileMode)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return nil
}

func truncateLabel(label string, n int) string {
	if len(label) > n {
		return label[:n]
	}
	return label
}
