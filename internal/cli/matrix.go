package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/cruciblehq/kiln/internal/matrix"
)

// Represents the 'kiln matrix' command.
type MatrixCmd struct {
	JSON bool `help:"Print targets as JSON."`
}

// Target as printed by the matrix command.
type targetInfo struct {
	Name    string            `json:"name"`
	Root    string            `json:"root"`
	Variant string            `json:"variant"`
	Params  map[string]string `json:"params"`
}

// Executes the matrix command.
func (c *MatrixCmd) Run(ctx context.Context) error {
	p, err := loadProject()
	if err != nil {
		return err
	}

	targets, err := p.Targets(nil)
	if err != nil {
		return err
	}

	if c.JSON {
		infos := make([]targetInfo, len(targets))
		for i, t := range targets {
			infos[i] = targetInfo{Name: t.Name(), Root: t.Root, Variant: t.Variant.Name(), Params: t.Variant.Params}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	}

	writeTargets(stdout, targets)
	return nil
}

// Writes targets as a table with their variant parameters.
func writeTargets(w io.Writer, targets []matrix.Target) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tPARAMS")
	for _, t := range targets {
		fmt.Fprintf(tw, "%s\t%s\n", t.Name(), formatParams(t.Variant.Params))
	}
	tw.Flush()
}

// Formats parameters as sorted "key=value" pairs.
func formatParams(params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	slices.Sort(pairs)
	return strings.Join(pairs, " ")
}
