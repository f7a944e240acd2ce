// Package cache maps layer fingerprints to stored build artifacts.
//
// A fingerprint is a digest over a layer's logical inputs: the content of
// its recipe (host inputs hashed by content), the fingerprints of its
// parents, its resolved parameters, and its container image. Identical
// fingerprints mean the stored artifact is reusable byte for byte.
//
// Artifacts live in a [Store]. [FSStore] keeps blobs in a local directory,
// addressed by content digest, and publishes every write through a staged
// temporary file renamed into place, so concurrent writers for the same
// fingerprint never expose a partial entry. A lookup hit is advisory: the
// bytes are verified against their recorded digest when read, and a missing
// or damaged blob surfaces as [ErrCacheCorruption].
//
// Example usage:
//
//	store, err := cache.NewFSStore(paths.Cache())
//	if err != nil {
//	    return err
//	}
//	c := cache.New(store)
//
//	fp, hit, err := c.Lookup(ctx, inputs)
//	if err != nil {
//	    return err
//	}
//	if !hit {
//	    meta, err := c.Store(ctx, fp, "os", artifact)
//	    ...
//	}
package cache
