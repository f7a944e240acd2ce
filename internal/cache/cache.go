package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"

	"github.com/opencontainers/go-digest"
)

// Fingerprint cache over an artifact [Store].
//
// The cache holds no mutable state of its own. Concurrent lookups and
// stores, including stores racing on the same fingerprint, are safe as long
// as the store publishes atomically.
type Cache struct {
	store Store
}

// Creates a cache backed by store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Computes the fingerprint of a layer and reports whether an artifact is
// recorded for it.
//
// A hit is advisory. It only means an entry was published; the content is
// verified when opened.
func (c *Cache) Lookup(ctx context.Context, in Inputs) (Fingerprint, bool, error) {
	fp, err := Compute(in)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrCache, err)
	}

	_, err = c.store.Stat(ctx, fp)
	switch {
	case err == nil:
		return fp, true, nil
	case errors.Is(err, ErrNotFound):
		return fp, false, nil
	case errors.Is(err, ErrCacheCorruption):
		slog.Warn("unreadable cache entry", "fingerprint", fp, "error", err)
		return fp, false, nil
	default:
		return fp, false, err
	}
}

// Returns the metadata of a stored artifact, or [ErrNotFound].
func (c *Cache) Stat(ctx context.Context, fp Fingerprint) (Metadata, error) {
	return c.store.Stat(ctx, fp)
}

// Opens a stored artifact.
//
// The returned reader verifies size and digest as it is consumed; the final
// Read returns [ErrCacheCorruption] instead of [io.EOF] when the content
// does not match. A missing entry or missing content also fails with
// [ErrCacheCorruption].
func (c *Cache) Open(ctx context.Context, fp Fingerprint) (io.ReadCloser, Metadata, error) {
	rc, meta, err := c.store.Get(ctx, fp)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return nil, meta, fmt.Errorf("%w: artifact %s: %w", ErrCacheCorruption, fp, err)
	case err != nil:
		return nil, meta, err
	}

	return &verifiedReader{
		rc:       rc,
		fp:       fp,
		meta:     meta,
		verifier: meta.Digest.Verifier(),
	}, meta, nil
}

// Reads a stored artifact to the end and checks it against its recorded
// digest.
func (c *Cache) Verify(ctx context.Context, fp Fingerprint) (Metadata, error) {
	rc, meta, err := c.Open(ctx, fp)
	if err != nil {
		return meta, err
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, contextReader{ctx, rc}); err != nil {
		return meta, err
	}
	return meta, nil
}

// Publishes an artifact under a fingerprint.
//
// Storing the same fingerprint twice, concurrently or not, leaves one
// complete entry. Nothing becomes visible unless the whole artifact was
// written.
func (c *Cache) Store(ctx context.Context, fp Fingerprint, layer string, r io.Reader) (Metadata, error) {
	meta, err := c.store.Put(ctx, fp, layer, r)
	if err != nil {
		return Metadata{}, err
	}

	slog.Debug("artifact stored", "fingerprint", fp, "layer", layer, "size", meta.Size, "digest", meta.Digest)

	return meta, nil
}

// Drops the entry of a fingerprint so the next lookup misses.
func (c *Cache) Invalidate(ctx context.Context, fp Fingerprint) error {
	return c.store.Delete(ctx, fp)
}

// Returns all entries ordered by fingerprint.
func (c *Cache) List(ctx context.Context) ([]Metadata, error) {
	return c.store.List(ctx)
}

// Outcome of a [Cache.Prune] pass.
type PruneResult struct {
	Removed []Metadata // Entries removed.
	Kept    int        // Number of entries kept.
	Freed   int64      // Bytes reclaimed from unreferenced content.
}

// Removes every entry keep rejects, then reclaims unreferenced content when
// the store supports it.
//
// Pruning is an explicit maintenance pass. It must not run concurrently with
// builds writing the same store.
func (c *Cache) Prune(ctx context.Context, keep func(Metadata) bool) (*PruneResult, error) {
	entries, err := c.store.List(ctx)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}
	for _, meta := range entries {
		if keep(meta) {
			result.Kept++
			continue
		}
		if err := c.store.Delete(ctx, meta.Fingerprint); err != nil {
			return result, err
		}
		result.Removed = append(result.Removed, meta)
	}

	if sw, ok := c.store.(Sweeper); ok {
		freed, err := sw.Sweep(ctx)
		result.Freed = freed
		if err != nil {
			return result, err
		}
	}

	slog.Info("cache pruned", "removed", len(result.Removed), "kept", result.Kept, "freed", result.Freed)

	return result, nil
}

// Reader that checks content against its metadata at end of stream.
type verifiedReader struct {
	rc       io.ReadCloser
	fp       Fingerprint
	meta     Metadata
	verifier digest.Verifier
	n        int64
}

func (v *verifiedReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	v.n += int64(n)
	v.verifier.Write(p[:n])

	if v.n > v.meta.Size {
		return n, fmt.Errorf("%w: artifact %s exceeds recorded size %d", ErrCacheCorruption, v.fp, v.meta.Size)
	}
	if errors.Is(err, io.EOF) {
		if v.n != v.meta.Size || !v.verifier.Verified() {
			return n, fmt.Errorf("%w: artifact %s does not match digest %s", ErrCacheCorruption, v.fp, v.meta.Digest)
		}
	}
	return n, err
}

func (v *verifiedReader) Close() error {
	return v.rc.Close()
}
