package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cruciblehq/kiln/internal/pipeline"
	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/cruciblehq/kiln/internal/server"
)

// Returned when at least one target failed.
var ErrBuildFailed = errors.New("build failed")

// Length of fingerprints shown in tables.
const shortDigest = 12

// Represents the 'kiln build' command.
type BuildCmd struct {
	Targets []string `short:"t" name:"target" help:"Build only the named target (root@axis=value,...). Repeatable." placeholder:"TARGET"`
	NoImage bool     `help:"Build layers only and skip image assembly."`
	Bundle  bool     `help:"Also write an update bundle per target."`
	Slot    string   `help:"Slot receiving the root filesystem (a or b)." placeholder:"SLOT"`
	Workers int      `short:"j" help:"Concurrent layer builds." env:"KILN_WORKERS"`
	JSON    bool     `help:"Print the report as JSON."`
	Local   bool     `help:"Build in this process instead of through the daemon."`
}

// Executes the build command.
//
// The request is sent to the daemon unless --local is given. The report is
// printed either way; the command fails when any target failed.
func (c *BuildCmd) Run(ctx context.Context) error {
	path, err := projectPath()
	if err != nil {
		return err
	}
	if path, err = filepath.Abs(path); err != nil {
		return err
	}

	req := &protocol.BuildRequest{
		Project: path,
		Targets: c.Targets,
		NoImage: c.NoImage,
		Bundle:  c.Bundle,
		Slot:    c.Slot,
		Workers: c.Workers,
	}

	report, err := c.build(ctx, req)
	if report != nil {
		if c.JSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			writeReport(stdout, report)
		}
	}
	if err != nil {
		return err
	}

	if report.Failed() {
		failed := 0
		for i := range report.Targets {
			if report.Targets[i].Failed() {
				failed++
			}
		}
		return fmt.Errorf("%w: %d of %d targets failed", ErrBuildFailed, failed, len(report.Targets))
	}
	return nil
}

// Runs the request in process or through the daemon.
func (c *BuildCmd) build(ctx context.Context, req *protocol.BuildRequest) (*pipeline.Report, error) {
	if c.Local {
		b := server.NewBuilder(server.BuilderConfig{})
		defer b.Close()
		return b.Build(ctx, req)
	}

	result, err := protocol.NewClient(socketPath()).Build(ctx, req)
	if err != nil {
		return nil, unavailable(err)
	}
	return result.Report, nil
}

// Writes a report as a table of layers followed by per-target outcomes.
func writeReport(w io.Writer, report *pipeline.Report) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tLAYER\tSTATUS\tFINGERPRINT\tDURATION\tERROR")
	for _, tr := range report.Targets {
		for _, l := range tr.Layers {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				tr.Target, l.ID, l.Status, short(l.Fingerprint.String()), round(l.Duration), l.Kind)
		}
	}
	tw.Flush()

	for _, tr := range report.Targets {
		switch {
		case tr.Failed():
			fmt.Fprintf(w, "\n%s: failed (%s): %s\n", tr.Target, tr.Kind, tr.Error)
			for _, l := range tr.Layers {
				if l.Output != "" {
					fmt.Fprintf(w, "--- %s output ---\n%s\n", l.ID, l.Output)
				}
			}
		case tr.Image != nil:
			fmt.Fprintf(w, "\n%s: %s (%s, slot %s)\n", tr.Target, tr.Image.Path, formatBytes(tr.Image.Size), tr.Image.Slot)
			if tr.Image.Bundle != nil {
				fmt.Fprintf(w, "%s: %s\n", tr.Target, tr.Image.Bundle.Path)
			}
		}
	}

	fmt.Fprintf(w, "\n%d targets in %s\n", len(report.Targets), round(report.Duration))
}

// Shortens a digest for display, dropping the algorithm.
func short(d string) string {
	if _, hex, ok := strings.Cut(d, ":"); ok {
		d = hex
	}
	if len(d) > shortDigest {
		return d[:shortDigest]
	}
	return d
}

// Rounds a duration for display.
func round(d time.Duration) time.Duration {
	if d < time.Second {
		return d.Round(time.Millisecond)
	}
	return d.Round(100 * time.Millisecond)
}

// Formats a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
