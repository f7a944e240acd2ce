package build

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Executes a copy operation, transferring files into the context.
//
// The copy string has the format "src dest" for host copies, or "parent:src
// dest" for copies out of a parent layer's output. Host sources are resolved
// relative to the recipe directory.
func (e *execution) executeCopy(ctx context.Context, copyStr, workdir string) error {
	src, dest, err := parseCopy(copyStr, workdir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if err := e.context.MkdirAll(ctx, path.Dir(dest)); err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	if parent, p, ok := e.layer.Recipe.ParentSource(src); ok {
		return e.executeParentCopy(ctx, parent, p, dest)
	}

	host := src
	if !filepath.IsAbs(host) {
		host = filepath.Join(e.layer.Recipe.Dir, host)
	}
	return stageHost(ctx, e.context, host, dest)
}

// Copies a file or directory from the host to dest inside the context.
//
// Fails with [ErrInputMissing] when the host path does not exist.
func stageHost(ctx context.Context, c Context, src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrInputMissing, src)
		}
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	slog.Debug("copy", "src", src, "dest", dest, "dir", info.IsDir())

	pr, pw := io.Pipe()

	go func() {
		tw := tar.NewWriter(pw)
		var writeErr error

		if info.IsDir() {
			writeErr = writeDirToTar(tw, src, path.Base(dest))
		} else {
			writeErr = writeFileToTar(tw, src, path.Base(dest))
		}

		if err := tw.Close(); writeErr == nil {
			writeErr = err
		}
		pw.CloseWithError(writeErr)
	}()

	err = c.StageInput(ctx, path.Dir(dest), pr)
	pr.Close()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	return nil
}

// Copies a path out of a parent layer's output to dest inside the context.
//
// The parent archive is filtered to the entries at or below src, which are
// renamed under the base name of dest and streamed into the context.
func (e *execution) executeParentCopy(ctx context.Context, parent, src, dest string) error {
	p, ok := e.parents[parent]
	if !ok {
		return fmt.Errorf("%w: output of parent %q", ErrInputMissing, parent)
	}

	slog.Debug("parent copy", "parent", parent, "src", src, "dest", dest)

	rc, err := p.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: output of parent %q: %w", ErrInputMissing, parent, err)
	}
	defer rc.Close()

	prefix := strings.TrimPrefix(path.Clean(src), "/")
	pr, pw := io.Pipe()

	found := make(chan bool, 1)
	go func() {
		n, err := filterTar(rc, pw, prefix, path.Base(dest))
		found <- n > 0
		pw.CloseWithError(err)
	}()

	err = e.context.StageInput(ctx, path.Dir(dest), pr)
	pr.Close()
	matched := <-found

	if !matched {
		return fmt.Errorf("%w: %s in output of parent %q", ErrInputMissing, src, parent)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCopy, err)
	}

	return nil
}

// Copies the entries of a tar stream at or below prefix to w, replacing
// prefix with name. Returns the number of entries written.
func filterTar(r io.Reader, w io.Writer, prefix, name string) (int, error) {
	tr := tar.NewReader(r)
	tw := tar.NewWriter(w)

	n := 0
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}

		entry := strings.TrimSuffix(hdr.Name, "/")
		var rest string
		switch {
		case entry == prefix:
		case strings.HasPrefix(entry, prefix+"/"):
			rest = entry[len(prefix):]
		default:
			continue
		}

		hdr.Name = name + rest
		if hdr.Typeflag == tar.TypeDir {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return n, err
		}
		if _, err := io.Copy(tw, tr); err != nil {
			return n, err
		}
		n++
	}

	return n, tw.Close()
}

// Parses a copy string into source and destination paths.
//
// The string must contain exactly two whitespace-separated tokens. If dest
// is not absolute, it is joined with workdir.
func parseCopy(s, workdir string) (src, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected source and destination, got %q", s)
	}

	src = parts[0]
	dest = parts[1]

	if !path.IsAbs(dest) {
		if workdir == "" {
			return "", "", fmt.Errorf("relative dest %q requires workdir", dest)
		}
		dest = path.Join(workdir, dest)
	}

	return src, path.Clean(dest), nil
}

// Writes a single file to a tar writer with the given archive name.
func writeFileToTar(tw *tar.Writer, hostPath, name string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Writes a directory tree to a tar writer rooted at the given archive prefix.
func writeDirToTar(tw *tar.Writer, hostDir, prefix string) error {
	return filepath.WalkDir(hostDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(hostDir, p)
		if err != nil {
			return err
		}

		archivePath := filepath.ToSlash(filepath.Join(prefix, relPath))
		return writeTarEntry(tw, p, archivePath, d)
	})
}

// Writes a single file, directory, or symlink entry to a tar writer.
func writeTarEntry(tw *tar.Writer, hostPath, archivePath string, d os.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}

	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(hostPath); err != nil {
			return err
		}
	}

	header, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	header.Name = archivePath
	if info.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	if info.Mode().IsRegular() {
		f, err := os.Open(hostPath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	}

	return nil
}
