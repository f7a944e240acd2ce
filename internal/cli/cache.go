package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/project"
)

// Represents the 'kiln cache' command group.
type CacheCmd struct {
	Dir string `help:"Cache directory. Defaults to the project's cache." placeholder:"DIR" env:"KILN_CACHE"`

	Ls CacheLsCmd `cmd:"" help:"List cached layers."`
	Gc CacheGcCmd `cmd:"" help:"Remove cached layers and reclaim unreferenced content."`
}

// Represents the 'kiln cache ls' command.
type CacheLsCmd struct{}

// Executes the cache ls command.
func (c *CacheLsCmd) Run(ctx context.Context) error {
	cc, err := openCache()
	if err != nil {
		return err
	}

	entries, err := cc.List(ctx)
	if err != nil {
		return err
	}

	writeEntries(stdout, entries)
	return nil
}

// Represents the 'kiln cache gc' command.
type CacheGcCmd struct {
	OlderThan time.Duration `help:"Remove layers stored longer ago than this." placeholder:"DURATION"`
	All       bool          `help:"Remove every layer."`
}

// Executes the cache gc command.
//
// Without flags no layer is removed and only unreferenced content is
// reclaimed. Must not run while builds use the same cache.
func (c *CacheGcCmd) Run(ctx context.Context) error {
	cc, err := openCache()
	if err != nil {
		return err
	}

	result, err := cc.Prune(ctx, keeper(time.Now(), c.OlderThan, c.All))
	if result != nil {
		fmt.Fprintf(stdout, "removed %d layers, kept %d, freed %s\n", len(result.Removed), result.Kept, formatBytes(result.Freed))
	}
	return err
}

// Returns the keep predicate for a gc pass.
func keeper(now time.Time, olderThan time.Duration, all bool) func(cache.Metadata) bool {
	return func(meta cache.Metadata) bool {
		switch {
		case all:
			return false
		case olderThan > 0:
			return meta.Created.After(now.Add(-olderThan))
		}
		return true
	}
}

// Opens the cache selected by flags or the project.
func openCache() (*cache.Cache, error) {
	dir, err := cacheDir()
	if err != nil {
		return nil, err
	}

	store, err := cache.NewFSStore(dir)
	if err != nil {
		return nil, err
	}
	return cache.New(store), nil
}

// Returns the cache directory: --dir, else the project's, else the default.
func cacheDir() (string, error) {
	if RootCmd.Cache.Dir != "" {
		return RootCmd.Cache.Dir, nil
	}

	p, err := loadProject()
	switch {
	case err == nil:
		return p.Cache, nil
	case errors.Is(err, project.ErrNotFound):
		return paths.Cache(), nil
	}
	return "", err
}

// Writes cache entries as a table.
func writeEntries(w io.Writer, entries []cache.Metadata) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tLAYER\tSIZE\tCREATED")

	var total int64
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			short(e.Fingerprint.String()), e.Layer, formatBytes(e.Size), e.Created.Local().Format(time.DateTime))
		total += e.Size
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d layers, %s\n", len(entries), formatBytes(total))
}
