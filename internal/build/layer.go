package build

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/resolve"
)

const (

	// Directory inside the context holding build metadata.
	metaDir = "/kiln"

	// File inside metaDir holding the resolved parameters as shell
	// assignments.
	paramsFile = "params.env"

	// Prefix of the environment variables carrying resolved parameters.
	paramEnvPrefix = "KILN_PARAM_"
)

// Holds the state of one layer build inside its context.
type execution struct {
	context Context           // Context the layer runs in.
	layer   *resolve.Layer    // Layer being built.
	parents map[string]Parent // Parent outputs by recipe identifier.
	scratch string            // Directory for the artifact archive.
}

// Stages the inputs, runs the steps, and collects the outputs.
func (e *execution) run(ctx context.Context) (*Artifact, error) {
	if err := e.stageParams(ctx); err != nil {
		return nil, err
	}
	if err := e.stageParents(ctx); err != nil {
		return nil, err
	}
	if err := e.stageHostInputs(ctx); err != nil {
		return nil, err
	}
	if err := e.executeSteps(ctx, e.layer.Recipe.Steps, newStepState()); err != nil {
		return nil, err
	}
	return e.collect(ctx)
}

// Writes the resolved parameters to /kiln/params.env.
//
// Each parameter becomes a single-quoted shell assignment, sorted by name,
// so that steps can source the file.
func (e *execution) stageParams(ctx context.Context) error {
	env := paramEnv(e.layer.Params)

	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)

	var content strings.Builder
	for _, k := range names {
		fmt.Fprintf(&content, "%s=%s\n", k, shellQuote(env[k]))
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	epoch := time.Unix(0, 0)
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: strings.TrimPrefix(metaDir, "/") + "/", Mode: 0o755, ModTime: epoch}); err != nil {
		return err
	}
	data := content.String()
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     path.Join(strings.TrimPrefix(metaDir, "/"), paramsFile),
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  epoch,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := io.WriteString(tw, data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	slog.Debug("staging parameters", "layer", e.layer.ID(), "count", len(names))

	if err := e.context.StageInput(ctx, "/", &buf); err != nil {
		return fmt.Errorf("stage parameters: %w", err)
	}
	return nil
}

// Extracts every parent's output into the context.
//
// A parent is staged at the root unless parent inputs name other
// destinations for it. Parents are staged in declaration order, so a later
// parent's files replace an earlier parent's at the same path.
func (e *execution) stageParents(ctx context.Context) error {
	dests := make(map[string][]string)
	for _, in := range e.layer.Recipe.Inputs {
		if in.Kind == recipe.InputParent {
			dests[in.From] = append(dests[in.From], in.Dest)
		}
	}

	for _, id := range e.layer.Recipe.Parents {
		targets := dests[id]
		if len(targets) == 0 {
			targets = []string{"/"}
		}
		for _, dest := range targets {
			if err := e.stageParent(ctx, id, dest); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *execution) stageParent(ctx context.Context, id, dest string) error {
	slog.Debug("staging parent output", "layer", e.layer.ID(), "parent", id, "dest", dest)

	rc, err := e.parents[id].Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: output of parent %q: %w", ErrInputMissing, id, err)
	}
	defer rc.Close()

	if dest != "/" {
		if err := e.context.MkdirAll(ctx, dest); err != nil {
			return err
		}
	}
	if err := e.context.StageInput(ctx, dest, rc); err != nil {
		return fmt.Errorf("stage parent %q: %w", id, err)
	}
	return nil
}

// Copies the host inputs into the context.
func (e *execution) stageHostInputs(ctx context.Context) error {
	for _, in := range e.layer.Recipe.Inputs {
		if in.Kind != recipe.InputHost {
			continue
		}
		if err := e.context.MkdirAll(ctx, path.Dir(in.Dest)); err != nil {
			return err
		}
		if err := stageHost(ctx, e.context, e.layer.Recipe.HostPath(in), in.Dest); err != nil {
			return fmt.Errorf("input %q: %w", in.From, err)
		}
	}
	return nil
}

// Extracts the declared outputs into an artifact archive.
func (e *execution) collect(ctx context.Context) (*Artifact, error) {
	c, err := newCollector(e.scratch)
	if err != nil {
		return nil, err
	}

	for _, out := range e.layer.Recipe.Outputs {
		pr, pw := io.Pipe()

		errc := make(chan error, 1)
		go func() {
			err := e.context.ExtractOutput(ctx, out, pw)
			pw.CloseWithError(err)
			errc <- err
		}()

		addErr := c.add(pr, path.Dir(out))
		pr.CloseWithError(addErr)

		if err := <-errc; err != nil {
			c.close()
			return nil, outputError(out, err)
		}
		if addErr != nil {
			c.close()
			return nil, outputError(out, addErr)
		}
	}

	artifact, err := c.finish(e.scratch)
	if err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	return artifact, nil
}

// Returns the environment variables carrying the layer's parameters.
//
// Names are upper-cased with every character outside [A-Z0-9_] replaced by
// an underscore.
func paramEnv(params map[string]string) map[string]string {
	env := make(map[string]string, len(params))
	for k, v := range params {
		env[paramEnvPrefix+envName(k)] = v
	}
	return env
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Quotes s for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
