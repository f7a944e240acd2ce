package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/resolve"
)

// Wall-clock budget for layers whose recipe declares no timeout.
const DefaultTimeout = time.Hour

// Grace period for destroying a context after its build ended.
const destroyTimeout = time.Minute

// Controls layer execution.
type Options struct {
	Scratch string        // Directory for artifact archives. Defaults to [paths.Scratch].
	Timeout time.Duration // Default layer budget. Defaults to [DefaultTimeout].
}

// Output of a parent layer made available to a build.
type Parent struct {
	ID   string                                          // Parent recipe identifier.
	Open func(ctx context.Context) (io.ReadCloser, error) // Opens the parent's artifact archive.
}

// Layer to execute along with its parents' outputs.
type Request struct {
	Layer   *resolve.Layer // Layer to build.
	Parents []Parent       // Outputs of the layer's parents.
}

// Runs layers in isolated execution contexts.
//
// The executor never touches the cache. A failed build leaves no artifact
// behind, and every context it creates is destroyed before Execute returns.
type Executor struct {
	provider Provider
	scratch  string
	timeout  time.Duration
}

// Creates an executor over a context provider.
func NewExecutor(provider Provider, opts Options) *Executor {
	if opts.Scratch == "" {
		opts.Scratch = paths.Scratch()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Executor{provider: provider, scratch: opts.Scratch, timeout: opts.Timeout}
}

// Builds a layer.
//
// A fresh context is created from the layer's image. Parameters, parent
// outputs, and host inputs are staged, the steps run in order, and the
// declared outputs are collected into an [Artifact]. Nothing else leaves the
// context.
//
// Errors wrap [ErrBuild] and one of [ErrStepFailed] (as a [*StepError]),
// [ErrTimedOut], [ErrCanceled], [ErrInputMissing], or [ErrOutputMissing].
// Steps are never retried.
func (x *Executor) Execute(ctx context.Context, req Request) (*Artifact, error) {
	layer := req.Layer
	if layer == nil || layer.Recipe == nil {
		return nil, fmt.Errorf("%w: %w: no layer", ErrBuild, ErrInvalidRequest)
	}
	if layer.Image == "" {
		return nil, fmt.Errorf("%w: %w: layer %q has no image", ErrBuild, ErrInvalidRequest, layer.ID())
	}

	parents, err := indexParents(layer, req.Parents)
	if err != nil {
		return nil, err
	}
	if err := checkHostInputs(layer); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(x.scratch, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	timeout := x.timeout
	if layer.Recipe.Timeout > 0 {
		timeout = layer.Recipe.Timeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := contextID(layer)
	start := time.Now()

	slog.Info("building layer",
		"layer", layer.ID(),
		"variant", layer.Variant,
		"image", layer.Image,
		"context", id,
		"timeout", timeout,
	)

	bctx, err := x.provider.CreateContext(runCtx, layer.Image, id)
	if err != nil {
		return nil, classify(ctx, runCtx, timeout, fmt.Errorf("create context: %w", err))
	}

	defer func() {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
		defer dcancel()
		if err := bctx.Destroy(dctx); err != nil {
			slog.Warn("failed to destroy context", "context", id, "error", err)
		}
	}()

	e := &execution{
		context: bctx,
		layer:   layer,
		parents: parents,
		scratch: x.scratch,
	}

	artifact, err := e.run(runCtx)
	if err != nil {
		return nil, classify(ctx, runCtx, timeout, err)
	}

	slog.Info("layer built",
		"layer", layer.ID(),
		"variant", layer.Variant,
		"digest", artifact.Digest,
		"size", artifact.Size,
		"duration", time.Since(start).Round(time.Millisecond),
	)

	return artifact, nil
}

// Maps parent identifiers to their outputs, failing when a declared parent
// has none.
func indexParents(layer *resolve.Layer, given []Parent) (map[string]Parent, error) {
	parents := make(map[string]Parent, len(given))
	for _, p := range given {
		parents[p.ID] = p
	}
	for _, id := range layer.Recipe.Parents {
		if p, ok := parents[id]; !ok || p.Open == nil {
			return nil, fmt.Errorf("%w: %w: output of parent %q", ErrBuild, ErrInputMissing, id)
		}
	}
	return parents, nil
}

// Fails with [ErrInputMissing] when a declared host input does not exist.
func checkHostInputs(layer *resolve.Layer) error {
	for _, in := range layer.Recipe.Inputs {
		if in.Kind != recipe.InputHost {
			continue
		}
		if _, err := os.Stat(layer.Recipe.HostPath(in)); err != nil {
			return fmt.Errorf("%w: %w: %s: %w", ErrBuild, ErrInputMissing, in.From, err)
		}
	}
	return nil
}

// Attributes a failure to the timeout or to cancellation when either ended
// the run.
func classify(parent, run context.Context, timeout time.Duration, err error) error {
	switch {
	case parent.Err() != nil:
		return fmt.Errorf("%w: %w: %w", ErrBuild, ErrCanceled, parent.Err())
	case errors.Is(run.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w after %s", ErrBuild, ErrTimedOut, timeout)
	case errors.Is(err, ErrBuild):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrBuild, err)
	}
}

// Returns a unique context identifier for a layer build.
func contextID(layer *resolve.Layer) string {
	return fmt.Sprintf("kiln-%s-%s", layer.ID(), uuid.NewString()[:8])
}
