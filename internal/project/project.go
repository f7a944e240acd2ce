package project

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/containerd/platforms"
	"github.com/pelletier/go-toml/v2"

	"github.com/cruciblehq/kiln/internal/image"
	"github.com/cruciblehq/kiln/internal/matrix"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/recipe"
)

const (

	// Name of the project file.
	FileName = "kiln.toml"

	// Default containerd socket address.
	DefaultContainerdAddress = "/run/containerd/containerd.sock"

	// Default containerd namespace for images and containers.
	DefaultContainerdNamespace = "kiln"

	// Output directory used when the project names none.
	defaultOutput = "out"
)

// Length of time written as a Go duration string ("30m", "1h30m").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Connection settings for containerd.
type Containerd struct {
	Address   string `toml:"address"`   // Socket path. Defaults to [DefaultContainerdAddress].
	Namespace string `toml:"namespace"` // Namespace. Defaults to [DefaultContainerdNamespace].
}

// Loaded project file.
//
// After [Load] every path is absolute and every default is filled in.
type Project struct {
	Path         string        `toml:"-"`             // Absolute path of the project file.
	Recipes      []string      `toml:"recipes"`       // Recipe sources; glob patterns are expanded.
	Roots        []string      `toml:"roots"`         // Root recipes, one image per root and variant.
	DefaultImage string        `toml:"default_image"` // Image for recipe chains that declare none.
	Workers      int           `toml:"workers"`       // Concurrent layer builds. Zero uses the number of CPUs.
	Timeout      Duration      `toml:"timeout"`       // Default layer budget. Zero uses the executor default.
	Output       string        `toml:"output"`        // Directory for images and bundles.
	Cache        string        `toml:"cache"`         // Layer cache directory.
	Platform     string        `toml:"platform"`      // OCI platform of build contexts. Empty selects the host.
	Architecture string        `toml:"architecture"`  // Target architecture for boot flows. Derived from the platform.
	Slot         image.Slot    `toml:"slot"`          // Slot receiving the root filesystem. Defaults to "a".
	Bundle       bool          `toml:"bundle"`        // Also write an update bundle per target.
	Containerd   Containerd    `toml:"containerd"`    // Containerd connection.
	Matrix       matrix.Matrix `toml:"matrix"`        // Variant matrix.
	Layout       *image.Layout `toml:"layout"`        // Disk layout. Nil builds layers only.
}

// Returns the directory holding the project file.
func (p *Project) Dir() string {
	return filepath.Dir(p.Path)
}

// Reads a project file.
//
// The path names either the file or a directory holding [FileName]. The file
// is decoded strictly, relative paths are resolved against its directory,
// defaults are filled in, and the result is validated. Errors wrap
// [ErrInvalidProject] unless the file could not be read.
func Load(path string) (*Project, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProject, err)
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrProject, err)
	}

	p, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProject, path, err)
	}
	p.Path = path

	if err := p.resolve(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProject, path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidProject, path, err)
	}

	return p, nil
}

// Finds the project file governing dir.
//
// The directory and its ancestors are searched in order; the first one
// holding [FileName] wins. Fails with [ErrNotFound] when none does.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProject, err)
	}

	for {
		path := filepath.Join(dir, FileName)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Loads the project's recipe sources.
func (p *Project) Graph() (*recipe.Graph, error) {
	return recipe.Load(p.Recipes...)
}

// Returns the project's build targets.
//
// The matrix is expanded and crossed with the roots. When names is not empty
// only the named targets are returned, in the order given.
func (p *Project) Targets(names []string) ([]matrix.Target, error) {
	variants, err := matrix.Expand(p.Matrix)
	if err != nil {
		return nil, err
	}

	all := matrix.Targets(variants, p.Roots)
	if len(names) == 0 {
		return all, nil
	}
	return matrix.Select(all, names)
}

// Decodes a project file strictly, reporting the line of the first error.
func decode(data []byte) (*Project, error) {
	var p Project

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&p); err != nil {
		var decodeErr *toml.DecodeError
		var strictErr *toml.StrictMissingError
		switch {
		case errors.As(err, &decodeErr):
			line, _ := decodeErr.Position()
			return nil, fmt.Errorf("line %d: %w", line, err)
		case errors.As(err, &strictErr) && len(strictErr.Errors) > 0:
			line, _ := strictErr.Errors[0].Position()
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		return nil, err
	}

	return &p, nil
}

// Makes paths absolute and fills in defaults.
func (p *Project) resolve() error {
	dir := p.Dir()

	recipes, err := expandSources(dir, p.Recipes)
	if err != nil {
		return err
	}
	p.Recipes = recipes

	if p.Output == "" {
		p.Output = defaultOutput
	}
	p.Output = absolute(dir, p.Output)

	if p.Cache == "" {
		p.Cache = paths.Cache()
	}
	p.Cache = absolute(dir, p.Cache)

	if p.Containerd.Address == "" {
		p.Containerd.Address = DefaultContainerdAddress
	}
	if p.Containerd.Namespace == "" {
		p.Containerd.Namespace = DefaultContainerdNamespace
	}

	if p.Platform != "" {
		pl, err := platforms.Parse(p.Platform)
		if err != nil {
			return fmt.Errorf("platform: %w", err)
		}
		p.Platform = platforms.Format(pl)
		if p.Architecture == "" {
			p.Architecture = pl.Architecture
		}
	}
	if p.Architecture == "" {
		p.Architecture = platforms.DefaultSpec().Architecture
	}

	if p.Slot == image.SlotNone {
		p.Slot = image.SlotA
	}

	if p.Layout != nil {
		for i := range p.Layout.Partitions {
			src := &p.Layout.Partitions[i].Source
			if src.Kind == image.SourceFile && src.Path != "" {
				src.Path = absolute(dir, src.Path)
			}
		}
	}

	return nil
}

// Checks settings that no later stage would report clearly.
func (p *Project) validate() error {
	if len(p.Recipes) == 0 {
		return errors.New("no recipe sources")
	}
	if len(p.Roots) == 0 {
		return errors.New("no roots")
	}
	if p.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", p.Workers)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", time.Duration(p.Timeout))
	}

	switch p.Slot {
	case image.SlotA, image.SlotB:
	default:
		return fmt.Errorf("unknown slot %q", p.Slot)
	}

	if _, err := matrix.Expand(p.Matrix); err != nil {
		return err
	}
	if p.Layout != nil {
		if err := p.Layout.Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Expands recipe source patterns relative to dir.
//
// Literal paths are kept even when missing so the recipe loader reports them.
// A pattern matching nothing is an error. Duplicates are dropped; the first
// occurrence keeps its position.
func expandSources(dir string, patterns []string) ([]string, error) {
	var sources []string
	for _, pattern := range patterns {
		pattern = absolute(dir, pattern)

		if !hasMeta(pattern) {
			if !slices.Contains(sources, pattern) {
				sources = append(sources, pattern)
			}
			continue
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("recipes: %w", err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("recipes: no sources match %q", pattern)
		}
		for _, m := range matches {
			if !slices.Contains(sources, m) {
				sources = append(sources, m)
			}
		}
	}
	return sources, nil
}

// Reports whether a path holds glob metacharacters.
func hasMeta(path string) bool {
	return strings.ContainsAny(path, `*?[`)
}

// Resolves path against dir unless it is already absolute.
func absolute(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}
