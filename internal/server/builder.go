package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/cache"
	"github.com/cruciblehq/kiln/internal/image"
	"github.com/cruciblehq/kiln/internal/pipeline"
	"github.com/cruciblehq/kiln/internal/project"
	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/cruciblehq/kiln/internal/runtime"
)

// Context provider builds run against.
type Provider interface {
	build.Provider
	Close() error
}

// Opens a provider for a containerd connection.
type Connector func(cfg runtime.Config) (Provider, error)

// Settings shared by every build of a [Builder].
type BuilderConfig struct {
	ContainerdAddress   string          // Overrides the project's containerd address when set.
	ContainerdNamespace string          // Overrides the project's containerd namespace when set.
	Workers             int             // Workers shared by all builds, and the count for projects that set none. Defaults to the number of CPUs.
	Connect             Connector       // Opens context providers. Defaults to a containerd runtime.
	Formatter           image.Formatter // Creates filesystems. Defaults to [image.MkfsFormatter].
	Assets              string          // Boot asset directory. Defaults to [paths.Boot].
	Scratch             string          // Directory for intermediate files. Defaults to [paths.Scratch].
}

// Runs build requests against project files.
//
// Providers are opened on first use and shared by every build naming the
// same containerd connection and platform, so image pulls are reused across
// requests. Concurrent builds share one worker pool, and builds over the
// same cache directory build each fingerprint once. A builder is safe for
// concurrent use.
type Builder struct {
	cfg  BuilderConfig
	pool *pipeline.Pool

	mu        sync.Mutex
	providers map[runtime.Config]Provider
}

// Creates a builder.
//
// The builder must be closed when no longer needed.
func NewBuilder(cfg BuilderConfig) *Builder {
	if cfg.Connect == nil {
		cfg.Connect = connectRuntime
	}
	return &Builder{
		cfg:       cfg,
		pool:      pipeline.NewPool(cfg.Workers),
		providers: make(map[runtime.Config]Provider),
	}
}

// Opens a containerd runtime.
func connectRuntime(cfg runtime.Config) (Provider, error) {
	rt, err := runtime.New(cfg)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Builds the targets named by a request.
//
// The project file is loaded fresh for every request, the request overrides
// are applied, and the targets run through a pipeline backed by the
// project's cache. The report is returned even when ctx ends early, along
// with ctx's error.
func (b *Builder) Build(ctx context.Context, req *protocol.BuildRequest) (*pipeline.Report, error) {
	if req.Project == "" {
		return nil, fmt.Errorf("%w: missing project", ErrInvalidRequest)
	}
	if !filepath.IsAbs(req.Project) {
		return nil, fmt.Errorf("%w: project path %q is not absolute", ErrInvalidRequest, req.Project)
	}
	if req.Workers < 0 {
		return nil, fmt.Errorf("%w: workers must not be negative", ErrInvalidRequest)
	}

	p, err := project.Load(req.Project)
	if err != nil {
		return nil, err
	}

	targets, err := p.Targets(req.Targets)
	if err != nil {
		return nil, err
	}

	graph, err := p.Graph()
	if err != nil {
		return nil, err
	}

	store, err := cache.NewFSStore(p.Cache)
	if err != nil {
		return nil, err
	}

	provider, err := b.provider(b.runtimeConfig(p))
	if err != nil {
		return nil, err
	}

	executor := build.NewExecutor(provider, build.Options{
		Scratch: b.cfg.Scratch,
		Timeout: time.Duration(p.Timeout),
	})

	opts := b.pipelineOptions(p, req)
	opts.Pool = b.pool
	opts.Namespace = p.Cache

	var assembler pipeline.Assembler
	if opts.Layout != nil {
		assembler = image.NewAssembler(image.Options{
			Formatter: b.cfg.Formatter,
			Assets:    b.cfg.Assets,
			Scratch:   b.cfg.Scratch,
		})
	}

	slog.Info("build started", "project", p.Path, "targets", len(targets), "workers", opts.Workers)

	report, err := pipeline.New(graph, cache.New(store), executor, assembler, opts).Run(ctx, targets)
	if report != nil {
		slog.Info("build finished", "project", p.Path, "failed", report.Failed(), "duration", report.Duration)
	}
	return report, err
}

// Closes every provider opened by the builder.
func (b *Builder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for cfg, p := range b.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.providers, cfg)
	}
	return errors.Join(errs...)
}

// Returns the runtime settings of a project with the builder's overrides.
func (b *Builder) runtimeConfig(p *project.Project) runtime.Config {
	cfg := runtime.Config{
		Address:   p.Containerd.Address,
		Namespace: p.Containerd.Namespace,
		Platform:  p.Platform,
	}
	if b.cfg.ContainerdAddress != "" {
		cfg.Address = b.cfg.ContainerdAddress
	}
	if b.cfg.ContainerdNamespace != "" {
		cfg.Namespace = b.cfg.ContainerdNamespace
	}
	return cfg
}

// Derives pipeline options from a project and a request.
//
// Request values win over project values, which win over builder defaults.
func (b *Builder) pipelineOptions(p *project.Project, req *protocol.BuildRequest) pipeline.Options {
	opts := pipeline.Options{
		Workers:      p.Workers,
		DefaultImage: p.DefaultImage,
		Output:       p.Output,
		Bundle:       p.Bundle || req.Bundle,
		Slot:         p.Slot,
		Architecture: p.Architecture,
	}
	if opts.Workers == 0 {
		opts.Workers = b.cfg.Workers
	}
	if req.Workers > 0 {
		opts.Workers = req.Workers
	}
	if req.Slot != "" {
		opts.Slot = image.Slot(req.Slot)
	}
	if !req.NoImage {
		opts.Layout = p.Layout
	}
	return opts
}

// Returns the provider for a runtime configuration, opening it on first use.
func (b *Builder) provider(cfg runtime.Config) (Provider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if p, ok := b.providers[cfg]; ok {
		return p, nil
	}

	p, err := b.cfg.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}
	b.providers[cfg] = p

	slog.Debug("provider opened", "address", cfg.Address, "namespace", cfg.Namespace, "platform", cfg.Platform)
	return p, nil
}
