package recipe

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Valid recipe identifiers: lowercase alphanumerics, dots, dashes, underscores.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// On-disk shape of a recipe source file.
type sourceDoc struct {
	Recipes []recipeDoc `toml:"recipe" yaml:"recipe"`
}

type recipeDoc struct {
	ID         string            `toml:"id" yaml:"id"`
	Parents    []string          `toml:"parents" yaml:"parents"`
	Image      string            `toml:"image" yaml:"image"`
	Timeout    string            `toml:"timeout" yaml:"timeout"`
	Parameters map[string]string `toml:"parameters" yaml:"parameters"`
	Inputs     []inputDoc        `toml:"inputs" yaml:"inputs"`
	Outputs    []string          `toml:"outputs" yaml:"outputs"`
	Steps      []stepDoc         `toml:"steps" yaml:"steps"`
}

type inputDoc struct {
	Kind string `toml:"kind" yaml:"kind"`
	From string `toml:"from" yaml:"from"`
	Dest string `toml:"dest" yaml:"dest"`
}

type stepDoc struct {
	Run     string            `toml:"run" yaml:"run"`
	Copy    string            `toml:"copy" yaml:"copy"`
	Shell   string            `toml:"shell" yaml:"shell"`
	Workdir string            `toml:"workdir" yaml:"workdir"`
	Env     map[string]string `toml:"env" yaml:"env"`
}

// Reads recipe sources and indexes them into a [Graph].
//
// Sources are TOML (.toml) or YAML (.yaml, .yml) files holding a list of
// recipes. The order of sources does not matter for parent references, which
// are checked during resolution. Duplicate identifiers across all sources are
// rejected with both locations reported.
func Load(sources ...string) (*Graph, error) {
	g := newGraph()

	for _, src := range sources {
		recipes, err := loadFile(src)
		if err != nil {
			return nil, err
		}
		for _, r := range recipes {
			if err := g.add(r); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// Decodes and validates all recipes in a single source file.
func loadFile(path string) ([]*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Kind: ErrMalformedRecipe, Location: Location{File: path}, Msg: "unreadable source", Err: err}
	}

	var (
		doc   sourceDoc
		lines []int
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		doc, err = decodeTOML(path, data)
	case ".yaml", ".yml":
		doc, lines, err = decodeYAML(path, data)
	default:
		return nil, &Error{Kind: ErrMalformedRecipe, Location: Location{File: path}, Msg: "unsupported source format"}
	}
	if err != nil {
		return nil, err
	}

	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, &Error{Kind: ErrMalformedRecipe, Location: Location{File: path}, Err: err}
	}

	recipes := make([]*Recipe, 0, len(doc.Recipes))
	for i, rd := range doc.Recipes {
		loc := Location{File: path, Index: i + 1}
		if i < len(lines) {
			loc.Line = lines[i]
		}

		r, err := rd.recipe(loc, dir)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, r)
	}

	return recipes, nil
}

// Decodes a TOML source strictly, reporting the position of the first error.
func decodeTOML(path string, data []byte) (sourceDoc, error) {
	var doc sourceDoc

	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&doc); err != nil {
		loc := Location{File: path}

		var decodeErr *toml.DecodeError
		var strictErr *toml.StrictMissingError
		switch {
		case errors.As(err, &decodeErr):
			loc.Line, _ = decodeErr.Position()
		case errors.As(err, &strictErr) && len(strictErr.Errors) > 0:
			loc.Line, _ = strictErr.Errors[0].Position()
		}

		return sourceDoc{}, &Error{Kind: ErrMalformedRecipe, Location: loc, Err: err}
	}

	return doc, nil
}

// Decodes a YAML source strictly and returns the line of each recipe entry.
func decodeYAML(path string, data []byte) (sourceDoc, []int, error) {
	var doc sourceDoc

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&doc); err != nil {
		return sourceDoc{}, nil, &Error{Kind: ErrMalformedRecipe, Location: Location{File: path}, Err: err}
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return sourceDoc{}, nil, &Error{Kind: ErrMalformedRecipe, Location: Location{File: path}, Err: err}
	}

	return doc, recipeLines(&root), nil
}

// Walks a YAML document node to the "recipe" sequence and collects the line
// of each entry.
func recipeLines(root *yaml.Node) []int {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil
	}

	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value != "recipe" {
			continue
		}
		seq := mapping.Content[i+1]
		lines := make([]int, len(seq.Content))
		for j, item := range seq.Content {
			lines[j] = item.Line
		}
		return lines
	}

	return nil
}

// Validates a decoded recipe and converts it to a [Recipe].
func (d recipeDoc) recipe(loc Location, dir string) (*Recipe, error) {
	if d.ID == "" {
		return nil, malformed(loc, "", "missing id")
	}
	if !idPattern.MatchString(d.ID) {
		return nil, malformed(loc, d.ID, "invalid id")
	}

	r := &Recipe{
		ID:         d.ID,
		Parents:    append([]string(nil), d.Parents...),
		Image:      d.Image,
		Parameters: make(map[string]string, len(d.Parameters)),
		Outputs:    make([]string, 0, len(d.Outputs)),
		Dir:        dir,
		Location:   loc,
	}

	seen := make(map[string]bool, len(d.Parents))
	for _, p := range d.Parents {
		if p == "" {
			return nil, malformed(loc, d.ID, "empty parent reference")
		}
		if seen[p] {
			return nil, malformed(loc, d.ID, "parent %q listed twice", p)
		}
		seen[p] = true
	}

	if d.Timeout != "" {
		timeout, err := time.ParseDuration(d.Timeout)
		if err != nil || timeout < 0 {
			return nil, malformed(loc, d.ID, "invalid timeout %q", d.Timeout)
		}
		r.Timeout = timeout
	}

	for k, v := range d.Parameters {
		if k == "" {
			return nil, malformed(loc, d.ID, "empty parameter name")
		}
		r.Parameters[k] = v
	}

	for i, in := range d.Inputs {
		input, err := in.input(r)
		if err != nil {
			return nil, malformed(loc, d.ID, "input %d: %v", i+1, err)
		}
		r.Inputs = append(r.Inputs, input)
	}

	if len(d.Outputs) == 0 {
		return nil, malformed(loc, d.ID, "no outputs declared")
	}
	for _, out := range d.Outputs {
		if !filepath.IsAbs(out) {
			return nil, malformed(loc, d.ID, "output %q is not absolute", out)
		}
		if filepath.Clean(out) == "/" {
			return nil, malformed(loc, d.ID, "output must not be the root directory")
		}
		r.Outputs = append(r.Outputs, filepath.Clean(out))
	}

	for i, sd := range d.Steps {
		step, err := sd.step()
		if err != nil {
			return nil, malformed(loc, d.ID, "step %d: %v", i+1, err)
		}
		if src, _, ok := step.CopyArgs(); ok {
			if _, p, ok := r.ParentSource(src); ok && !filepath.IsAbs(p) {
				return nil, malformed(loc, d.ID, "step %d: parent path %q is not absolute", i+1, p)
			}
		}
		r.Steps = append(r.Steps, step)
	}

	return r, nil
}

// Validates a decoded input against its recipe.
func (d inputDoc) input(r *Recipe) (Input, error) {
	in := Input{Kind: InputKind(d.Kind), From: d.From, Dest: d.Dest}

	switch in.Kind {
	case InputHost:
		if in.From == "" {
			return Input{}, fmt.Errorf("host input without source")
		}
		if in.Dest == "" || !filepath.IsAbs(in.Dest) {
			return Input{}, fmt.Errorf("destination %q is not absolute", in.Dest)
		}
	case InputParent:
		if !r.HasParent(in.From) {
			return Input{}, fmt.Errorf("%q is not a parent", in.From)
		}
		if in.Dest == "" {
			in.Dest = "/"
		}
		if !filepath.IsAbs(in.Dest) {
			return Input{}, fmt.Errorf("destination %q is not absolute", in.Dest)
		}
	default:
		return Input{}, fmt.Errorf("unknown input kind %q", d.Kind)
	}

	in.Dest = filepath.Clean(in.Dest)
	return in, nil
}

// Validates a decoded step.
func (d stepDoc) step() (Step, error) {
	s := Step{
		Run:     d.Run,
		Copy:    d.Copy,
		Shell:   d.Shell,
		Workdir: d.Workdir,
		Env:     d.Env,
	}

	if s.Run != "" && s.Copy != "" {
		return Step{}, fmt.Errorf("run and copy are mutually exclusive")
	}
	if !s.IsOperation() && s.Shell == "" && s.Workdir == "" && len(s.Env) == 0 {
		return Step{}, fmt.Errorf("empty step")
	}
	if s.Workdir != "" && !filepath.IsAbs(s.Workdir) {
		return Step{}, fmt.Errorf("workdir %q is not absolute", s.Workdir)
	}
	if s.Copy != "" {
		if _, _, ok := s.CopyArgs(); !ok {
			return Step{}, fmt.Errorf("copy %q: expected source and destination", s.Copy)
		}
	}

	return s, nil
}
