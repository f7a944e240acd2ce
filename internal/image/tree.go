package image

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/cruciblehq/kiln/internal/paths"
)

const (

	// Block size assumed when estimating filesystem usage.
	blockSize = 4 * KiB

	// Smallest ext4 filesystem created, leaving room for the journal.
	minExt4 = 16 * MiB

	// Smallest FAT filesystem created.
	minVFAT = 2 * MiB
)

// Estimates the size of a filesystem holding the entries of a tar archive.
//
// The usage of the tree grows by a quarter for ext4 metadata and an eighth
// for FAT tables, and never drops below the filesystem minimum. An empty
// tree yields the minimum. Used to size partitions that follow their content.
func estimateTree(tree string, fsys Filesystem) (int64, error) {
	used, err := treeUsage(tree)
	if err != nil {
		return 0, err
	}

	switch fsys {
	case FilesystemExt4:
		return alignUp(max(used+used/4, minExt4), MiB), nil
	case FilesystemVFAT:
		return alignUp(max(used+used/8, minVFAT), MiB), nil
	}
	return 0, fmt.Errorf("%w: cannot estimate %q", ErrFormat, fsys)
}

// Returns the bytes the entries of a tar archive occupy in a filesystem.
//
// Every entry is charged one block for its inode and directory entry, plus
// its content rounded up to whole blocks.
func treeUsage(tree string) (int64, error) {
	var used int64
	if tree == "" {
		return 0, nil
	}
	err := walkTar(tree, func(hdr *tar.Header, _ io.Reader) error {
		used += blockSize + alignUp(hdr.Size, blockSize)
		return nil
	})
	return used, err
}

// Calls fn for every entry of a tar archive file.
func walkTar(name string, fn func(hdr *tar.Header, r io.Reader) error) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := fn(hdr, tr); err != nil {
			return err
		}
	}
}

// Writes the entries of a tar archive below dir to w, renamed relative to
// dir, and returns how many were written.
//
// The entry for dir itself and entries outside it are dropped, as are hard
// links whose target lies outside it. Symlink targets are kept verbatim.
func subtree(tree, dir string, w io.Writer) (int, error) {
	prefix := strings.Trim(path.Clean("/"+dir), "/") + "/"
	tw := tar.NewWriter(w)

	var n int
	err := walkTar(tree, func(hdr *tar.Header, r io.Reader) error {
		rel, ok := strings.CutPrefix(strings.TrimPrefix(hdr.Name, "./"), prefix)
		if !ok || rel == "" {
			return nil
		}
		if hdr.Typeflag == tar.TypeLink {
			target, ok := strings.CutPrefix(strings.TrimPrefix(hdr.Linkname, "./"), prefix)
			if !ok {
				slog.Debug("dropping hard link outside the root filesystem", "name", hdr.Name, "target", hdr.Linkname)
				return nil
			}
			hdr.Linkname = target
		}

		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := io.Copy(tw, r); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, tw.Close()
}

// Extracts regular files and directories of a tar archive into dir.
//
// Hard links are materialized as copies. Entries a FAT filesystem cannot
// hold, such as symlinks and device nodes, are skipped. Every extracted path
// gets mtime. Entries escaping dir are rejected.
func extractTree(tree, dir string, mtime time.Time) error {
	var created []string

	err := walkTar(tree, func(hdr *tar.Header, r io.Reader) error {
		name, err := entryPath(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(name, paths.DefaultDirMode); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeTreeFile(name, r); err != nil {
				return err
			}
		case tar.TypeLink:
			target, err := entryPath(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := copyTreeFile(target, name); err != nil {
				return err
			}
		default:
			slog.Debug("skipping tree entry", "name", hdr.Name, "type", string(hdr.Typeflag))
			return nil
		}

		created = append(created, name)
		return nil
	})
	if err != nil {
		return err
	}

	// Children first, so that setting a file's time does not touch its
	// directory afterwards.
	for i := len(created) - 1; i >= 0; i-- {
		if err := os.Chtimes(created[i], mtime, mtime); err != nil {
			return err
		}
	}
	return nil
}

// Resolves a tar entry name below dir.
func entryPath(dir, name string) (string, error) {
	if slices.Contains(strings.Split(name, "/"), "..") {
		return "", fmt.Errorf("entry %q escapes the tree", name)
	}
	return filepath.Join(dir, filepath.FromSlash(path.Clean("/"+name))), nil
}

func writeTreeFile(name string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(name), paths.DefaultDirMode); err != nil {
		return err
	}
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, paths.DefaultFileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyTreeFile(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("link target %s: %w", src, err)
		}
		return err
	}
	defer f.Close()
	return writeTreeFile(dst, f)
}

// Writes a tar archive with normalized headers.
//
// Entries are written in the order they are added. Ownership is root,
// timestamps are the epoch and directory names carry a trailing slash.
type treeWriter struct {
	tw *tar.Writer
}

func newTreeWriter(w io.Writer) *treeWriter {
	return &treeWriter{tw: tar.NewWriter(w)}
}

func (t *treeWriter) dir(name string) error {
	return t.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     strings.TrimSuffix(name, "/") + "/",
		Mode:     int64(paths.DefaultDirMode),
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatPAX,
	})
}

func (t *treeWriter) bytes(name string, data []byte) error {
	if err := t.header(name, int64(len(data))); err != nil {
		return err
	}
	_, err := t.tw.Write(data)
	return err
}

// Adds a host file under name.
func (t *treeWriter) file(name, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if err := t.header(name, info.Size()); err != nil {
		return err
	}
	_, err = io.Copy(t.tw, f)
	return err
}

func (t *treeWriter) header(name string, size int64) error {
	return t.tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     int64(paths.DefaultFileMode),
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatPAX,
	})
}

// Adds a host directory tree under prefix, in lexical order.
func (t *treeWriter) tree(prefix, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))
		if rel == "." {
			if prefix == "" {
				return nil
			}
			name = prefix
		}

		switch {
		case d.IsDir():
			return t.dir(name)
		case d.Type().IsRegular():
			return t.file(name, p)
		}
		slog.Debug("skipping boot asset", "path", p)
		return nil
	})
}

func (t *treeWriter) close() error {
	return t.tw.Close()
}
