package build

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// Declared outputs of a built layer, as a tar archive on local disk.
//
// Entry names are relative to the context root, so staging the archive at
// "/" reproduces the output paths. Entries are sorted by name and carry no
// timestamps or owner names; equal output trees yield equal archives.
type Artifact struct {
	Path    string        // Archive file. Owned by the caller.
	Digest  digest.Digest // Digest of the archive.
	Size    int64         // Archive size in bytes.
	Entries int           // Number of archive entries.
}

// Opens the archive for reading.
func (a *Artifact) Open() (io.ReadCloser, error) {
	return os.Open(a.Path)
}

// Removes the archive file.
func (a *Artifact) Remove() error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Entry spooled for sorting.
type spooled struct {
	header *tar.Header
	offset int64 // Content offset in the spool file.
}

// Collects output entries from several tar streams and writes them as one
// normalized archive.
//
// Content is appended to a spool file while headers are kept in memory;
// [collector.finish] sorts the headers and copies the content into the final
// archive.
type collector struct {
	spool   *os.File
	size    int64
	entries map[string]spooled
}

func newCollector(dir string) (*collector, error) {
	f, err := os.CreateTemp(dir, "kiln-spool-*")
	if err != nil {
		return nil, err
	}
	return &collector{spool: f, entries: make(map[string]spooled)}, nil
}

// Adds the entries of a tar stream whose names are relative to parent.
// Entries already collected under the same name are kept.
func (c *collector) add(r io.Reader, parent string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := strings.TrimPrefix(path.Join(parent, hdr.Name), "/")
		if name == "" || name == "." || strings.HasPrefix(name, "../") {
			continue
		}

		if hdr.Typeflag == tar.TypeLink {
			hdr.Linkname = strings.TrimPrefix(path.Join(parent, hdr.Linkname), "/")
		}

		offset := c.size
		n, err := io.Copy(c.spool, tr)
		if err != nil {
			return err
		}
		c.size += n

		if _, dup := c.entries[name]; dup {
			continue
		}
		c.entries[name] = spooled{header: normalize(hdr, name, n), offset: offset}
	}
}

// Writes the sorted archive to a new file in dir and releases the spool.
func (c *collector) finish(dir string) (*Artifact, error) {
	defer c.close()

	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	sort.Strings(names)

	out, err := os.CreateTemp(dir, "kiln-artifact-*.tar")
	if err != nil {
		return nil, err
	}

	digester := digest.Canonical.Digester()
	counter := &countingWriter{w: io.MultiWriter(out, digester.Hash())}
	tw := tar.NewWriter(counter)

	err = func() error {
		for _, name := range names {
			e := c.entries[name]
			if err := tw.WriteHeader(e.header); err != nil {
				return err
			}
			if e.header.Size > 0 {
				if _, err := io.Copy(tw, io.NewSectionReader(c.spool, e.offset, e.header.Size)); err != nil {
					return err
				}
			}
		}
		return tw.Close()
	}()
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(out.Name())
		return nil, err
	}

	return &Artifact{
		Path:    out.Name(),
		Digest:  digester.Digest(),
		Size:    counter.n,
		Entries: len(names),
	}, nil
}

func (c *collector) close() {
	c.spool.Close()
	os.Remove(c.spool.Name())
}

// Returns a header carrying only reproducible fields.
func normalize(hdr *tar.Header, name string, size int64) *tar.Header {
	n := &tar.Header{
		Typeflag: hdr.Typeflag,
		Name:     name,
		Linkname: hdr.Linkname,
		Mode:     hdr.Mode,
		Uid:      hdr.Uid,
		Gid:      hdr.Gid,
		Devmajor: hdr.Devmajor,
		Devminor: hdr.Devminor,
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatPAX,
	}

	switch hdr.Typeflag {
	case tar.TypeReg:
		n.Size = size
	case tar.TypeDir:
		n.Name += "/"
	}

	return n
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Wraps a collector failure for an output path.
func outputError(output string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %w: %s", ErrBuild, ErrOutputMissing, output)
	}
	return fmt.Errorf("%w: output %s: %w", ErrBuild, output, err)
}
