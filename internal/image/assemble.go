package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/kiln/internal/paths"
)

// Prefix of staged output files, next to their final location.
const stagePrefix = ".kiln-stage-"

// Opens the root filesystem archive.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Assembler configuration.
type Options struct {
	Formatter Formatter // Creates ext4 and FAT filesystems. Defaults to [MkfsFormatter].
	Assets    string    // Boot asset directory. Defaults to [paths.Boot].
	Scratch   string    // Directory for intermediate files. Defaults to the system temp directory.
}

// Request to assemble the image of one build target.
type Request struct {
	Target       string        // Build target name. Seeds disk identifiers when the layout names none.
	RootFS       Opener        // Root layer output as a tar archive.
	Digest       digest.Digest // Digest of the root layer output, if known.
	RootDir      string        // Directory of the root layer output that becomes "/" of the root filesystem. Empty uses the whole output.
	Layout       *Layout       // Partition layout. Not modified.
	Output       string        // Path of the image file.
	Slot         Slot          // Slot receiving the root filesystem. Defaults to slot a.
	Bundle       string        // Path of the update bundle. Empty for none.
	Architecture string        // Target architecture for boot flows (e.g., "arm64").
}

// An assembled disk image.
type Image struct {
	Path       string        `json:"path"`             // Location of the image file.
	Size       int64         `json:"size"`             // Image size in bytes.
	Digest     digest.Digest `json:"digest"`           // Digest of the image file.
	Table      Table         `json:"table"`            // Partition table format.
	Slot       Slot          `json:"slot"`             // Slot holding the root filesystem.
	Partitions []Placement   `json:"partitions"`       // Partitions in disk order.
	Bundle     *Bundle       `json:"bundle,omitempty"` // Update bundle, if requested.
}

// Composes root filesystems into partitioned disk images.
type Assembler struct {
	formatter Formatter
	assets    string
	scratch   string
}

// Creates an assembler.
func NewAssembler(opts Options) *Assembler {
	a := &Assembler{
		formatter: opts.Formatter,
		assets:    opts.Assets,
		scratch:   opts.Scratch,
	}
	if a.formatter == nil {
		a.formatter = &MkfsFormatter{Scratch: opts.Scratch}
	}
	if a.assets == "" {
		a.assets = paths.Boot()
	}
	return a
}

// Content of a partition, staged before any image byte is written.
type payload struct {
	tree string // Tar archive for filesystems, raw bytes otherwise. Empty for no content.
	need int64  // Bytes the partition must hold: the filesystem estimate when sized by content, the content usage otherwise.
}

// Builds the disk image of a target.
//
// The layout is planned completely before the image is written, so content
// that does not fit fails with [ErrInsufficientSpace] and conflicting
// placements with [ErrLayoutConflict] without touching the output. The root
// filesystem goes into the requested slot and the partner slot is left empty
// for the update agent. The image is staged next to the output and renamed
// into place, so a failed assembly never leaves a partial file. Identical
// requests produce byte-identical images.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Image, error) {
	img, err := a.assemble(ctx, req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrAssemble, req.Target, err)
	}
	return img, nil
}

func (a *Assembler) assemble(ctx context.Context, req Request) (*Image, error) {
	l, err := prepare(&req)
	if err != nil {
		return nil, err
	}

	scratch, err := os.MkdirTemp(a.scratch, "kiln-assemble-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	s := &assembly{
		Assembler: a,
		req:       req,
		layout:    l,
		scratch:   scratch,
		payloads:  make(map[string]payload),
		contents:  make(map[string]string),
		trees:     make(map[string]string),
	}

	if err := s.stage(ctx); err != nil {
		return nil, err
	}

	need := make(map[string]int64, len(s.payloads))
	for name, p := range s.payloads {
		need[name] = p.need
	}
	placements, size, err := plan(l, need, req.Slot)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Path:       req.Output,
		Size:       size,
		Table:      l.Table,
		Slot:       req.Slot,
		Partitions: placements,
	}

	img.Digest, err = s.write(ctx, placements, size)
	if err != nil {
		return nil, err
	}

	slog.Info("image assembled", "target", req.Target, "path", req.Output, "size", size, "slot", req.Slot)

	if req.Bundle != "" {
		bundle, err := s.bundle(ctx, placements)
		if err != nil {
			return nil, err
		}
		img.Bundle = bundle
	}

	return img, nil
}

// Validates a request and returns a defaulted copy of its layout.
func prepare(req *Request) (*Layout, error) {
	switch {
	case req.Layout == nil:
		return nil, fmt.Errorf("%w: no layout", ErrInvalidLayout)
	case req.RootFS == nil:
		return nil, errors.New("no root filesystem")
	case req.Output == "":
		return nil, errors.New("no output path")
	}

	if req.Slot == SlotNone {
		req.Slot = SlotA
	}
	if req.Slot != SlotA && req.Slot != SlotB {
		return nil, fmt.Errorf("%w: unknown slot %q", ErrInvalidLayout, req.Slot)
	}

	l := *req.Layout
	l.Partitions = slices.Clone(req.Layout.Partitions)
	l.setDefaults(req.Target)
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// State of one assembly.
type assembly struct {
	*Assembler
	req        Request
	layout     *Layout
	scratch    string
	rootfs     string             // Spooled root layer output.
	rootfsSize int64              // Size of the root layer output.
	trees      map[string]string  // Root filesystem trees by output directory.
	boot       string             // Boot flow tree.
	payloads   map[string]payload // Staged content by partition.
	contents   map[string]string  // Bytes written into each partition, by name.
}

// Stages the content of every partition and measures it.
func (s *assembly) stage(ctx context.Context) error {
	for i := range s.layout.Partitions {
		if err := ctx.Err(); err != nil {
			return err
		}

		p := &s.layout.Partitions[i]
		tree, err := s.source(ctx, p)
		if err != nil {
			return fmt.Errorf("partition %q: %w", p.Name, err)
		}

		var need int64
		switch {
		case p.Filesystem != FilesystemRaw && p.Size.Content:
			need, err = estimateTree(tree, p.Filesystem)
		case p.Filesystem != FilesystemRaw:
			need, err = treeUsage(tree)
		case tree != "":
			var info os.FileInfo
			info, err = os.Stat(tree)
			if err == nil {
				need = info.Size()
			}
		}
		if err != nil {
			return fmt.Errorf("partition %q: %w", p.Name, err)
		}

		s.payloads[p.Name] = payload{tree: tree, need: need}
	}
	return nil
}

// Returns the staged content file of a partition source.
func (s *assembly) source(ctx context.Context, p *Partition) (string, error) {
	switch p.Source.Kind {
	case SourceRootFS:
		if s.rootfs == "" {
			name, err := s.spoolRootFS(ctx)
			if err != nil {
				return "", err
			}
			s.rootfs = name
		}
		return s.rootTree(p)

	case SourceBoot:
		if s.boot == "" {
			name, err := s.stageBoot()
			if err != nil {
				return "", err
			}
			s.boot = name
		}
		return s.boot, nil

	case SourceFile:
		info, err := os.Stat(p.Source.Path)
		if err != nil {
			return "", err
		}
		if !info.Mode().IsRegular() {
			return "", fmt.Errorf("%s is not a regular file", p.Source.Path)
		}
		return p.Source.Path, nil
	}
	return "", nil
}

// Returns the root filesystem tree of a partition.
//
// The partition's source path, else the request's root directory, names the
// directory of the root layer output that becomes the top of the filesystem.
// Entries outside it are dropped.
func (s *assembly) rootTree(p *Partition) (string, error) {
	dir := p.Source.Path
	if dir == "" {
		dir = s.req.RootDir
	}
	if dir == "" || path.Clean(dir) == "/" {
		return s.rootfs, nil
	}
	dir = path.Clean(dir)

	if tree, ok := s.trees[dir]; ok {
		return tree, nil
	}

	name := filepath.Join(s.scratch, fmt.Sprintf("rootfs-%d.tar", len(s.trees)))
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	n, err := subtree(s.rootfs, dir, f)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", fmt.Errorf("%w: %s is empty or missing in the root layer output", ErrNoRootFS, dir)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	s.trees[dir] = name
	return name, nil
}

// Copies the root layer output into scratch space.
func (s *assembly) spoolRootFS(ctx context.Context) (string, error) {
	rc, err := s.req.RootFS(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	name := filepath.Join(s.scratch, "rootfs.tar")
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(f, digester.Hash()), rc)
	if err != nil {
		return "", err
	}
	s.rootfsSize = n
	if s.req.Digest == "" {
		s.req.Digest = digester.Digest()
	}
	return name, f.Close()
}

// Writes the boot flow tree into scratch space.
func (s *assembly) stageBoot() (string, error) {
	name := filepath.Join(s.scratch, "boot.tar")
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := writeBootTree(f, s.layout.Boot, s.assets, s.req.Architecture, s.req.Slot); err != nil {
		return "", err
	}
	return name, f.Close()
}

// Writes the image into a staged file and renames it into place.
func (s *assembly) write(ctx context.Context, placements []Placement, size int64) (digest.Digest, error) {
	var dgst digest.Digest

	err := stageFile(s.req.Output, func(f *os.File) error {
		if err := f.Truncate(size); err != nil {
			return err
		}

		var err error
		if s.layout.Table == TableGPT {
			err = writeGPT(f, s.layout, placements, size)
		} else {
			err = writeMBR(f, s.layout, placements)
		}
		if err != nil {
			return err
		}

		for i := range placements {
			if err := s.writePartition(ctx, f, &placements[i]); err != nil {
				return fmt.Errorf("partition %q: %w", placements[i].Name, err)
			}
		}

		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		dgst, err = digest.Canonical.FromReader(f)
		return err
	})
	return dgst, err
}

// Writes the content of one partition at its offset.
//
// Partitions of the inactive slot, and raw partitions without content, keep
// the zeros of the sparse image file.
func (s *assembly) writePartition(ctx context.Context, f *os.File, pl *Placement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !pl.Written {
		return nil
	}

	content := s.payloads[pl.Name].tree
	if pl.Filesystem != FilesystemRaw {
		fsImage := filepath.Join(s.scratch, fmt.Sprintf("partition-%d.img", pl.Number))
		err := s.formatter.Format(ctx, FormatRequest{
			Filesystem: pl.Filesystem,
			Label:      pl.Name,
			UUID:       s.layout.filesystemUUID(pl.Name),
			Size:       pl.Size,
			Tree:       content,
			Output:     fsImage,
		})
		if err != nil {
			return err
		}
		content = fsImage
	}
	if content == "" {
		return nil
	}

	src, err := os.Open(content)
	if err != nil {
		return err
	}
	defer src.Close()

	n, err := io.Copy(io.NewOffsetWriter(f, pl.Offset), io.LimitReader(src, pl.Size+1))
	if err != nil {
		return err
	}
	if n > pl.Size {
		return fmt.Errorf("%w: content of %q exceeds %d bytes", ErrInsufficientSpace, pl.Name, pl.Size)
	}

	s.contents[pl.Name] = content
	return nil
}

// Creates name by filling a staged file in the same directory and renaming
// it into place. The staged file is removed on failure.
func stageFile(name string, fill func(f *os.File) error) (err error) {
	dir := filepath.Dir(name)
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err := fill(f); err != nil {
		return err
	}
	if err := f.Chmod(paths.DefaultFileMode); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), name)
}
