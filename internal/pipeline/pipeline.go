package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/image"
	"github.com/cruciblehq/kiln/internal/matrix"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/resolve"
)

// Builds layers. Satisfied by [*build.Executor].
type Executor interface {
	Execute(ctx context.Context, req build.Request) (*build.Artifact, error)
}

// Assembles images. Satisfied by [*image.Assembler].
type Assembler interface {
	Assemble(ctx context.Context, req image.Request) (*image.Image, error)
}

// Controls a pipeline.
type Options struct {
	Workers      int           // Concurrent layer builds and assemblies. Defaults to the number of CPUs.
	Targets      int           // Concurrent targets. Defaults to Workers.
	DefaultImage string        // Image for layers whose recipe chain declares none.
	Layout       *image.Layout // Image layout. Nil disables assembly.
	Output       string        // Directory for images and bundles.
	Bundle       bool          // Also write an update bundle per target.
	Slot         image.Slot    // Slot receiving the root filesystem.
	Architecture string        // Target architecture for boot flows.
	Pool         *Pool         // Limit and in-flight builds shared with other pipelines. Nil creates a private pool of Workers size.
	Namespace    string        // Separates pipelines sharing a pool but not a cache, e.g. the cache directory.
}

// Turns build targets into cached layers and images.
//
// A pipeline is safe for concurrent use. Layers with the same fingerprint
// are built at most once at a time across all targets of all runs, and
// across the pipelines sharing its [Pool] and namespace.
type Pipeline struct {
	graph     *recipe.Graph
	cache     *cache.Cache
	executor  Executor
	assembler Assembler
	opts      Options
	workers   *semaphore.Weighted
	pool      *Pool

	mu      sync.Mutex
	digests map[*recipe.Recipe]digest.Digest
}

// Creates a pipeline. The assembler may be nil when no layout is set.
func New(graph *recipe.Graph, c *cache.Cache, executor Executor, assembler Assembler, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = goruntime.NumCPU()
	}
	if opts.Targets <= 0 {
		opts.Targets = opts.Workers
	}
	pool := opts.Pool
	if pool == nil {
		pool = NewPool(opts.Workers)
	}
	return &Pipeline{
		graph:     graph,
		cache:     c,
		executor:  executor,
		assembler: assembler,
		opts:      opts,
		workers:   semaphore.NewWeighted(int64(opts.Workers)),
		pool:      pool,
		digests:   make(map[*recipe.Recipe]digest.Digest),
	}
}

// Builds targets.
//
// Targets run concurrently and independently: a failing target never
// cancels or alters its siblings. Within a target, each layer starts once
// all of its parents are available, so independent layers build in parallel
// while the worker limit bounds concurrent executions. Cache hits are
// verified before use; a corrupt entry is dropped and the layer rebuilt. When
// a layer fails its dependents are skipped, and layers completed before the
// failure stay cached. After the root layer the image is assembled if a
// layout is configured.
//
// The report lists every target in request order. The returned error is
// non-nil only when ctx ended before all targets finished.
func (p *Pipeline) Run(ctx context.Context, targets []matrix.Target) (*Report, error) {
	start := time.Now()
	report := &Report{Targets: make([]TargetReport, len(targets))}

	var g errgroup.Group
	g.SetLimit(p.opts.Targets)

	for i, t := range targets {
		g.Go(func() error {
			report.Targets[i] = p.runTarget(ctx, t)
			return nil
		})
	}
	g.Wait()

	report.Duration = time.Since(start)
	return report, ctx.Err()
}

// State of one layer during a target run.
type layerState struct {
	done   chan struct{}     // Closed when the layer finished.
	ok     bool              // Whether the layer's artifact is available.
	fp     cache.Fingerprint // Fingerprint, once computed.
	report LayerReport
}

func (p *Pipeline) runTarget(ctx context.Context, t matrix.Target) TargetReport {
	start := time.Now()
	tr := TargetReport{Target: t.Name()}

	fail := func(err error) TargetReport {
		tr.Kind, tr.Error = Kind(err), err.Error()
		tr.Duration = time.Since(start)
		slog.Error("target failed", "target", tr.Target, "kind", tr.Kind, "error", err)
		return tr
	}

	plan, err := resolve.Resolve(p.graph, t, resolve.Options{DefaultImage: p.opts.DefaultImage})
	if err != nil {
		return fail(err)
	}

	slog.Info("building target", "target", tr.Target, "layers", strings.Join(plan.Order(), ","))

	states := make([]*layerState, len(plan.Layers))
	for i := range states {
		states[i] = &layerState{done: make(chan struct{})}
	}

	var wg sync.WaitGroup
	for i := range plan.Layers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(states[i].done)
			p.runLayer(ctx, tr.Target, &plan.Layers[i], states)
		}()
	}
	wg.Wait()

	var firstErr *LayerReport
	for _, s := range states {
		tr.Layers = append(tr.Layers, s.report)
		if s.report.Status == StatusFailed && firstErr == nil {
			firstErr = &s.report
		}
	}
	if firstErr != nil {
		tr.Kind = firstErr.Kind
		tr.Error = fmt.Sprintf("layer %q: %s", firstErr.ID, firstErr.Error)
		tr.Duration = time.Since(start)
		slog.Error("target failed", "target", tr.Target, "layer", firstErr.ID, "kind", tr.Kind)
		return tr
	}

	if p.opts.Layout != nil && p.assembler != nil {
		root := states[len(states)-1]
		img, err := p.assemble(ctx, t, root.fp, rootDir(plan.Root().Recipe))
		if err != nil {
			return fail(err)
		}
		tr.Image = img
	}

	tr.Duration = time.Since(start)
	slog.Info("target complete", "target", tr.Target, "hits", tr.Count(StatusHit), "built", tr.Count(StatusBuilt)+tr.Count(StatusRebuilt), "duration", tr.Duration)
	return tr
}

// Waits for a layer's parents, then serves it from the cache or builds it.
// The outcome is recorded in the layer's state.
func (p *Pipeline) runLayer(ctx context.Context, target string, layer *resolve.Layer, states []*layerState) {
	s := states[layer.Index]
	s.report.ID = layer.ID()
	start := time.Now()

	parents := make([]*layerState, len(layer.Parents))
	for i, idx := range layer.Parents {
		parents[i] = states[idx]
		<-parents[i].done
	}

	for i, ps := range parents {
		if !ps.ok {
			err := fmt.Errorf("%w: %s", ErrDependencyFailed, parentID(layer, i))
			s.report.Status, s.report.Kind, s.report.Error = StatusSkipped, Kind(err), err.Error()
			slog.Warn("layer skipped", "target", target, "layer", layer.ID(), "parent", ps.report.ID)
			return
		}
	}

	status, err := p.layer(ctx, layer, parents, s)
	s.report.Duration = time.Since(start)
	if err != nil {
		s.report.Status, s.report.Kind, s.report.Error = StatusFailed, Kind(err), err.Error()
		var stepErr *build.StepError
		if errors.As(err, &stepErr) {
			s.report.Output = stepErr.Output()
		}
		slog.Error("layer failed", "target", target, "layer", layer.ID(), "kind", s.report.Kind, "error", err)
		return
	}

	s.ok = true
	s.report.Status = status
	slog.Info("layer ready", "target", target, "layer", layer.ID(), "status", status, "fingerprint", s.fp, "duration", s.report.Duration)
}

// Returns the identifier of a layer's i-th parent.
func parentID(layer *resolve.Layer, i int) string {
	return layer.Recipe.Parents[i]
}

// Makes a layer's artifact available in the cache.
func (p *Pipeline) layer(ctx context.Context, layer *resolve.Layer, parents []*layerState, s *layerState) (Status, error) {
	rd, err := p.recipeDigest(layer.Recipe)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %w: %w", build.ErrBuild, build.ErrInputMissing, err)
	}
	if err != nil {
		return "", err
	}

	in := cache.Inputs{
		Recipe: rd,
		Params: layer.Params,
		Image:  layer.Image,
	}
	for _, ps := range parents {
		in.Parents = append(in.Parents, ps.fp)
	}

	fp, hit, err := p.cache.Lookup(ctx, in)
	if err != nil {
		return "", err
	}
	s.fp = fp
	s.report.Fingerprint = fp

	status := StatusBuilt
	if hit {
		_, err := p.cache.Verify(ctx, fp)
		switch {
		case err == nil:
			return StatusHit, nil
		case !errors.Is(err, cache.ErrCacheCorruption):
			return "", err
		}
		slog.Warn("corrupt cache entry, rebuilding", "layer", layer.ID(), "fingerprint", fp, "error", err)
		if err := p.cache.Invalidate(ctx, fp); err != nil {
			return "", err
		}
		status = StatusRebuilt
	}

	built, err := p.build(ctx, layer, fp, parents)
	if err != nil {
		return "", err
	}
	if !built {
		return StatusHit, nil
	}
	return status, nil
}

// Builds a layer and stores its artifact, unless an identical build is
// already running, in which case that build's result is shared. Reports
// whether this call performed the build.
func (p *Pipeline) build(ctx context.Context, layer *resolve.Layer, fp cache.Fingerprint, parents []*layerState) (bool, error) {
	leader := false
	_, err, _ := p.pool.flights.Do(p.opts.Namespace+"\x00"+fp.String(), func() (any, error) {
		if err := p.acquire(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w: %w", build.ErrBuild, build.ErrCanceled, err)
		}
		defer p.release()

		// A build of the same fingerprint may have finished since the lookup.
		if _, err := p.cache.Stat(ctx, fp); err == nil {
			return nil, nil
		}
		leader = true

		req := build.Request{Layer: layer}
		for i, ps := range parents {
			req.Parents = append(req.Parents, build.Parent{
				ID:   parentID(layer, i),
				Open: p.opener(ps.fp),
			})
		}

		artifact, err := p.executor.Execute(ctx, req)
		if err != nil {
			return nil, err
		}
		defer artifact.Remove()

		rc, err := artifact.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		return p.cache.Store(ctx, fp, layer.ID(), rc)
	})
	return leader, err
}

// Returns a function opening the cached artifact of a fingerprint.
func (p *Pipeline) opener(fp cache.Fingerprint) func(ctx context.Context) (io.ReadCloser, error) {
	return func(ctx context.Context) (io.ReadCloser, error) {
		rc, _, err := p.cache.Open(ctx, fp)
		return rc, err
	}
}

// Returns the content digest of a recipe, computing it once per pipeline.
func (p *Pipeline) recipeDigest(r *recipe.Recipe) (digest.Digest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d, ok := p.digests[r]; ok {
		return d, nil
	}
	d, err := cache.RecipeDigest(r)
	if err != nil {
		return "", err
	}
	p.digests[r] = d
	return d, nil
}

// Assembles the image of a target from its cached root layer.
func (p *Pipeline) assemble(ctx context.Context, t matrix.Target, root cache.Fingerprint, dir string) (*image.Image, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release()

	meta, err := p.cache.Stat(ctx, root)
	if err != nil {
		return nil, err
	}

	name := fileName(t)
	req := image.Request{
		Target:       t.Name(),
		RootFS:       p.opener(root),
		Digest:       meta.Digest,
		RootDir:      dir,
		Layout:       p.opts.Layout,
		Output:       filepath.Join(p.opts.Output, name+".img"),
		Slot:         p.opts.Slot,
		Architecture: p.opts.Architecture,
	}
	if p.opts.Bundle {
		req.Bundle = filepath.Join(p.opts.Output, name+".bundle")
	}
	return p.assembler.Assemble(ctx, req)
}

// Returns the output directory of a root recipe holding the root filesystem.
// Recipes with several outputs leave the choice to the layout's rootfs path.
func rootDir(r *recipe.Recipe) string {
	if len(r.Outputs) == 1 {
		return r.Outputs[0]
	}
	return ""
}

// Returns a file name for a target's outputs, e.g. "app-board-rpi4".
func fileName(t matrix.Target) string {
	name := t.Root
	if t.Variant.Key != "" {
		name += "-" + t.Variant.Key
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		}
		return '-'
	}, name)
}
