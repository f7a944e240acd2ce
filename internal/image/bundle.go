package image

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/ulikunitz/xz"

	"github.com/cruciblehq/kiln/internal/paths"
)

const (

	// Name of the manifest entry in a bundle.
	bundleManifest = "manifest.json"

	// Directory of payload entries in a bundle.
	bundlePayloads = "payloads"

	// Media type of the bundle manifest.
	MediaTypeManifest = "application/vnd.kiln.bundle.manifest.v1+json"

	// Media type of the root filesystem archive.
	MediaTypeRootFS = "application/vnd.kiln.rootfs.v1.tar"

	// Media type prefix of partition content. The filesystem is appended.
	MediaTypePartition = "application/vnd.kiln.partition.v1."

	// Suffix of compressed payload media types.
	xzSuffix = "+xz"
)

// Manifest of an update bundle.
//
// Payloads carry the content of the partitions in the slot the image was
// assembled for. An update agent writes each payload into the inactive
// partition of its pair and owns slot activation.
type Manifest struct {
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     string             `json:"mediaType"`
	Target        string             `json:"target"`
	RootFS        ocispec.Descriptor `json:"rootfs"`
	Payloads      []Payload          `json:"payloads"`
}

// A partition payload in a bundle.
type Payload struct {
	Partition  string             `json:"partition"`  // Partition the content was assembled into.
	Partner    string             `json:"partner"`    // Partition of the other slot.
	Source     SourceKind         `json:"source"`     // Content origin.
	Filesystem Filesystem         `json:"filesystem"` // Filesystem of the content.
	Content    ocispec.Descriptor `json:"content"`    // Uncompressed partition content.
	Blob       ocispec.Descriptor `json:"blob"`       // Compressed entry in the bundle.
}

// An update bundle written next to an image.
type Bundle struct {
	Path     string        `json:"path"`
	Digest   digest.Digest `json:"digest"`
	Manifest Manifest      `json:"manifest"`
}

// Writes the update bundle for the written slot.
//
// Payloads are compressed with xz into scratch space first so that the
// bundle can list their sizes. The bundle is a tar archive holding the
// manifest followed by the payloads in disk order, with normalized headers.
func (s *assembly) bundle(ctx context.Context, placements []Placement) (*Bundle, error) {
	m := Manifest{
		SchemaVersion: 1,
		MediaType:     MediaTypeManifest,
		Target:        s.req.Target,
		RootFS: ocispec.Descriptor{
			MediaType: MediaTypeRootFS,
			Digest:    s.req.Digest,
			Size:      s.rootfsSize,
		},
	}

	var blobs []string
	for _, pl := range placements {
		if pl.Slot != s.req.Slot || s.contents[pl.Name] == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p, blob, err := s.payload(pl, placements)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBundle, pl.Name, err)
		}
		m.Payloads = append(m.Payloads, *p)
		blobs = append(blobs, blob)
	}

	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBundle, err)
	}

	var dgst digest.Digest
	err = stageFile(s.req.Bundle, func(f *os.File) error {
		digester := digest.Canonical.Digester()
		tw := tar.NewWriter(io.MultiWriter(f, digester.Hash()))

		if err := writeBundleEntry(tw, bundleManifest, int64(len(manifest)), bytes.NewReader(manifest)); err != nil {
			return err
		}
		for i, p := range m.Payloads {
			if err := writeBundleBlob(tw, p.Blob, blobs[i]); err != nil {
				return err
			}
		}
		if err := tw.Close(); err != nil {
			return err
		}
		dgst = digester.Digest()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBundle, err)
	}

	slog.Info("bundle written", "target", s.req.Target, "path", s.req.Bundle, "payloads", len(m.Payloads))

	return &Bundle{Path: s.req.Bundle, Digest: dgst, Manifest: m}, nil
}

// Compresses the written content of a partition and describes it.
func (s *assembly) payload(pl Placement, placements []Placement) (*Payload, string, error) {
	p := &Payload{
		Partition:  pl.Name,
		Source:     pl.Source,
		Filesystem: pl.Filesystem,
	}
	for _, other := range placements {
		if other.Source == pl.Source && other.Slot == pl.Slot.Partner() {
			p.Partner = other.Name
		}
	}

	src, err := os.Open(s.contents[pl.Name])
	if err != nil {
		return nil, "", err
	}
	defer src.Close()

	blob := filepath.Join(s.scratch, fmt.Sprintf("payload-%d.xz", pl.Number))
	dst, err := os.Create(blob)
	if err != nil {
		return nil, "", err
	}
	defer dst.Close()

	contentDigester := digest.Canonical.Digester()
	blobDigester := digest.Canonical.Digester()
	blobCount := &byteCounter{}

	xw, err := xz.WriterConfig{CheckSum: xz.CRC64}.NewWriter(io.MultiWriter(dst, blobDigester.Hash(), blobCount))
	if err != nil {
		return nil, "", err
	}
	n, err := io.Copy(io.MultiWriter(xw, contentDigester.Hash()), src)
	if err != nil {
		return nil, "", err
	}
	if err := xw.Close(); err != nil {
		return nil, "", err
	}
	if err := dst.Close(); err != nil {
		return nil, "", err
	}

	mediaType := MediaTypePartition + string(pl.Filesystem)
	p.Content = ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    contentDigester.Digest(),
		Size:      n,
	}
	p.Blob = ocispec.Descriptor{
		MediaType: mediaType + xzSuffix,
		Digest:    blobDigester.Digest(),
		Size:      blobCount.n,
		Annotations: map[string]string{
			ocispec.AnnotationTitle: bundlePayloads + "/" + pl.Name + ".xz",
		},
	}
	return p, blob, nil
}

// Writes a regular file entry with normalized headers.
func writeBundleEntry(tw *tar.Writer, name string, size int64, r io.Reader) error {
	err := tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     int64(paths.DefaultFileMode),
		ModTime:  time.Unix(0, 0),
		Format:   tar.FormatPAX,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(tw, r)
	return err
}

// Writes a compressed payload under its title.
func writeBundleBlob(tw *tar.Writer, desc ocispec.Descriptor, blob string) error {
	f, err := os.Open(blob)
	if err != nil {
		return err
	}
	defer f.Close()
	return writeBundleEntry(tw, desc.Annotations[ocispec.AnnotationTitle], desc.Size, f)
}

type byteCounter struct {
	n int64
}

func (c *byteCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
