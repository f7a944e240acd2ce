package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/kiln/internal/paths"
)

// Prefix of staged files. Staged files are never visible to lookups.
const stagePrefix = ".stage-"

// Describes a stored artifact.
type Metadata struct {
	Fingerprint Fingerprint   `json:"fingerprint"` // Layer fingerprint.
	Digest      digest.Digest `json:"digest"`      // Digest of the artifact content.
	Size        int64         `json:"size"`        // Content size in bytes.
	Layer       string        `json:"layer"`       // Identifier of the producing layer.
	Created     time.Time     `json:"created"`     // Publication time.
}

// Content-addressed artifact store backing a [Cache].
//
// Implementations must publish atomically: after Put returns, Stat and Get
// observe the complete entry, and before it returns they observe either
// nothing or a previously complete entry. Reads must not require locks.
type Store interface {

	// Returns the metadata of an entry, or [ErrNotFound].
	Stat(ctx context.Context, fp Fingerprint) (Metadata, error)

	// Opens the artifact of an entry. Returns [ErrNotFound] when there is no
	// entry, and an error wrapping [fs.ErrNotExist] when the entry exists but
	// its content does not.
	Get(ctx context.Context, fp Fingerprint) (io.ReadCloser, Metadata, error)

	// Stores an artifact under a fingerprint, replacing any existing entry.
	Put(ctx context.Context, fp Fingerprint, layer string, r io.Reader) (Metadata, error)

	// Removes an entry. Removing an absent entry is not an error.
	Delete(ctx context.Context, fp Fingerprint) error

	// Returns all entries ordered by fingerprint.
	List(ctx context.Context) ([]Metadata, error)
}

// Implemented by stores that reclaim content no entry references.
type Sweeper interface {

	// Removes unreferenced content and stale staged files. Returns the
	// number of bytes reclaimed.
	Sweep(ctx context.Context) (int64, error)
}

// [Store] on a local directory.
//
// Layout:
//
//	<root>/blobs/sha256/<content hex>      artifact content
//	<root>/index/sha256/<fingerprint hex>  entry metadata (JSON)
//
// Blobs are addressed by content, so an index entry is published only after
// the blob it points to is complete. Both files are staged in their final
// directory, synced, and renamed into place.
type FSStore struct {
	root string
	now  func() time.Time
}

// Creates a store rooted at dir, creating the directory layout as needed.
func NewFSStore(dir string) (*FSStore, error) {
	s := &FSStore{root: dir, now: time.Now}
	for _, d := range []string{s.blobDir(), s.indexDir()} {
		if err := os.MkdirAll(d, paths.DefaultDirMode); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCache, err)
		}
	}
	return s, nil
}

// Returns the root directory of the store.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) blobDir() string {
	return filepath.Join(s.root, "blobs", string(digest.Canonical))
}

func (s *FSStore) indexDir() string {
	return filepath.Join(s.root, "index", string(digest.Canonical))
}

func (s *FSStore) blobPath(d digest.Digest) string {
	return filepath.Join(s.blobDir(), d.Encoded())
}

func (s *FSStore) indexPath(fp Fingerprint) string {
	return filepath.Join(s.indexDir(), fp.Encoded())
}

// Returns the metadata of an entry.
func (s *FSStore) Stat(ctx context.Context, fp Fingerprint) (Metadata, error) {
	if err := fp.Validate(); err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	data, err := os.ReadFile(s.indexPath(fp))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, ErrNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: entry %s: %w", ErrCacheCorruption, fp, err)
	}
	if err := meta.Digest.Validate(); err != nil || meta.Fingerprint != fp {
		return Metadata{}, fmt.Errorf("%w: entry %s: invalid metadata", ErrCacheCorruption, fp)
	}

	return meta, nil
}

// Opens the artifact of an entry.
func (s *FSStore) Get(ctx context.Context, fp Fingerprint) (io.ReadCloser, Metadata, error) {
	meta, err := s.Stat(ctx, fp)
	if err != nil {
		return nil, Metadata{}, err
	}

	f, err := os.Open(s.blobPath(meta.Digest))
	if err != nil {
		return nil, meta, err
	}

	return f, meta, nil
}

// Stores an artifact.
//
// The content is staged and hashed in one pass, then renamed into its
// content address. Two writers racing on the same fingerprint each publish
// a complete blob and a complete index entry; the last rename wins.
func (s *FSStore) Put(ctx context.Context, fp Fingerprint, layer string, r io.Reader) (Metadata, error) {
	if err := fp.Validate(); err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	digester := digest.Canonical.Digester()
	var size int64

	staged, err := stage(s.blobDir(), func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, digester.Hash()), contextReader{ctx, r})
		size = n
		return err
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	meta := Metadata{
		Fingerprint: fp,
		Digest:      digester.Digest(),
		Size:        size,
		Layer:       layer,
		Created:     s.now().UTC(),
	}

	if err := os.Rename(staged, s.blobPath(meta.Digest)); err != nil {
		os.Remove(staged)
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	staged, err = stage(s.indexDir(), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	if err := os.Rename(staged, s.indexPath(fp)); err != nil {
		os.Remove(staged)
		return Metadata{}, fmt.Errorf("%w: %w", ErrCache, err)
	}

	return meta, nil
}

// Removes an entry. The content stays until the next [FSStore.Sweep].
func (s *FSStore) Delete(ctx context.Context, fp Fingerprint) error {
	if err := fp.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	if err := os.Remove(s.indexPath(fp)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrCache, err)
	}
	return nil
}

// Returns all entries ordered by fingerprint. Unreadable entries are skipped.
func (s *FSStore) List(ctx context.Context) ([]Metadata, error) {
	entries, err := os.ReadDir(s.indexDir())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCache, err)
	}

	var list []Metadata
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), stagePrefix) {
			continue
		}
		meta, err := s.Stat(ctx, digest.NewDigestFromEncoded(digest.Canonical, e.Name()))
		if err != nil {
			continue
		}
		list = append(list, meta)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Fingerprint < list[j].Fingerprint })
	return list, nil
}

// Removes blobs no index entry references and staged files left by
// interrupted writes.
//
// Must not run concurrently with writers; a blob renamed into place whose
// index entry is not yet published looks unreferenced.
func (s *FSStore) Sweep(ctx context.Context) (int64, error) {
	live, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	referenced := make(map[string]bool, len(live))
	for _, meta := range live {
		referenced[meta.Digest.Encoded()] = true
	}

	var freed int64
	for _, dir := range []string{s.blobDir(), s.indexDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return freed, fmt.Errorf("%w: %w", ErrCache, err)
		}
		for _, e := range entries {
			name := e.Name()
			stale := strings.HasPrefix(name, stagePrefix)
			if !stale && (dir != s.blobDir() || referenced[name]) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return freed, fmt.Errorf("%w: %w", ErrCache, err)
			}
			freed += info.Size()
		}
	}

	return freed, nil
}

// Writes a file under dir through fill and syncs it. Returns the staged
// path, which the caller renames into place. The file is removed on error.
func stage(dir string, fill func(io.Writer) error) (string, error) {
	f, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return "", err
	}

	err = fill(f)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(f.Name(), paths.DefaultFileMode)
	}
	if err != nil {
		os.Remove(f.Name())
		return "", err
	}

	return f.Name(), nil
}

// Reader that stops once its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
