package image

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
)

// Formatter producing a small deterministic image describing the request.
type fakeFormatter struct {
	mu    sync.Mutex
	calls []FormatRequest
}

func (f *fakeFormatter) Format(_ context.Context, req FormatRequest) error {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	desc := fmt.Sprintf("%s %s %s", req.Filesystem, req.Label, req.UUID)
	if req.Tree != "" {
		data, err := os.ReadFile(req.Tree)
		if err != nil {
			return err
		}
		desc += " " + digest.FromBytes(data).String()
	}
	if err := os.WriteFile(req.Output, []byte(desc), 0644); err != nil {
		return err
	}
	return os.Truncate(req.Output, req.Size)
}

// Returns a tar archive holding the given files in name order.
func tarOf(t *testing.T, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		hdr := &tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0644, Size: int64(len(files[name]))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(files[name])); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// Returns the entries of a tar archive by name.
func untar(t *testing.T, data []byte) (names []string, files map[string][]byte) {
	t.Helper()

	files = make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, files
		}
		if err != nil {
			t.Fatal(err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, hdr.Name)
		files[hdr.Name] = content
	}
}

func opener(data []byte) Opener {
	return func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// In-memory disk for table writers.
type memDisk []byte

func (m memDisk) WriteAt(p []byte, off int64) (int, error) {
	if off+int64(len(p)) > int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

// A/B layout with raw partitions.
func rawLayout(table Table) *Layout {
	return &Layout{
		Table:  table,
		DiskID: "test-disk",
		Partitions: []Partition{
			{Name: "config", Size: Bytes(MiB), Source: Source{Kind: SourceEmpty}},
			{Name: "root-a", Size: Bytes(2 * MiB), Source: Source{Kind: SourceRootFS}, Slot: SlotA},
			{Name: "root-b", Size: Bytes(2 * MiB), Source: Source{Kind: SourceRootFS}, Slot: SlotB},
			{Name: "data", Size: Bytes(MiB), Source: Source{Kind: SourceEmpty}},
		},
	}
}

func readFile(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// Lists files left in dir.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, filepath.Base(e.Name()))
	}
	return names
}
