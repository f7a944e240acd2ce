package matrix

import (
	"fmt"
	"maps"
	"strings"
)

// Named build axis and its admissible values.
type Axis struct {
	Name   string   `toml:"name"`
	Values []string `toml:"values"`
}

// Axis-value combination. A rule matches a variant when every listed axis
// has the listed value.
type Rule map[string]string

// Parameter overrides applied to every variant matching a rule.
type Override struct {
	Match  Rule              `toml:"match"`
	Params map[string]string `toml:"params"`
}

// Declared variant space.
type Matrix struct {
	Axes      []Axis     `toml:"axis"`
	Exclude   []Rule     `toml:"exclude"`
	Overrides []Override `toml:"override"`
}

// One concrete combination of axis values.
//
// Params holds the axis values themselves (keyed by axis name) merged with
// the params of every matching override, in declaration order.
type Variant struct {
	Key    string            // Canonical key, "axis=value,..." in axis order.
	Values map[string]string // Axis name to value.
	Params map[string]string // Parameters applied when instantiating layers.
}

// Returns a readable name for the variant. The empty variant is "default".
func (v Variant) Name() string {
	if v.Key == "" {
		return "default"
	}
	return v.Key
}

// One (variant, root recipe) pair; the unit for which one image is produced.
type Target struct {
	Root    string
	Variant Variant
}

// Returns "root@variant", or just the root for the default variant.
func (t Target) Name() string {
	if t.Variant.Key == "" {
		return t.Root
	}
	return t.Root + "@" + t.Variant.Key
}

// Returns true if the rule matches the given axis values.
func (r Rule) Matches(values map[string]string) bool {
	for axis, want := range r {
		if values[axis] != want {
			return false
		}
	}
	return true
}

// Expands the matrix into its concrete variants.
//
// Variants are produced in odometer order over the axes as declared (the
// last axis varies fastest), so the result is stable across runs. Variants
// matching any exclusion rule are dropped. If every combination is excluded
// the expansion fails with [ErrEmptyVariantSet]; an empty axis list yields a
// single default variant.
func Expand(m Matrix) ([]Variant, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	var variants []Variant
	idx := make([]int, len(m.Axes))

	for {
		values := make(map[string]string, len(m.Axes))
		for i, axis := range m.Axes {
			values[axis.Name] = axis.Values[idx[i]]
		}

		if !m.excluded(values) {
			variants = append(variants, m.variant(values))
		}

		if !advance(idx, m.Axes) {
			break
		}
	}

	if len(variants) == 0 {
		return nil, ErrEmptyVariantSet
	}
	return variants, nil
}

// Returns the number of combinations before exclusions.
func (m Matrix) Size() int {
	n := 1
	for _, axis := range m.Axes {
		n *= len(axis.Values)
	}
	return n
}

// Builds the target set for every variant and root recipe.
func Targets(variants []Variant, roots []string) []Target {
	targets := make([]Target, 0, len(variants)*len(roots))
	for _, root := range roots {
		for _, v := range variants {
			targets = append(targets, Target{Root: root, Variant: v})
		}
	}
	return targets
}

// Returns the targets whose names are listed, in the order of all.
//
// Every name must match a target; an unknown name fails with
// [ErrUnknownTarget].
func Select(all []Target, names []string) ([]Target, error) {
	if len(names) == 0 {
		return all, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var selected []Target
	for _, t := range all {
		if want[t.Name()] {
			selected = append(selected, t)
			delete(want, t.Name())
		}
	}

	for _, n := range names {
		if want[n] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, n)
		}
	}

	return selected, nil
}

// Increments the odometer. Returns false once every combination was visited.
func advance(idx []int, axes []Axis) bool {
	for i := len(idx) - 1; i >= 0; i-- {
		idx[i]++
		if idx[i] < len(axes[i].Values) {
			return true
		}
		idx[i] = 0
	}
	return false
}

func (m Matrix) excluded(values map[string]string) bool {
	for _, rule := range m.Exclude {
		if rule.Matches(values) {
			return true
		}
	}
	return false
}

func (m Matrix) variant(values map[string]string) Variant {
	parts := make([]string, len(m.Axes))
	for i, axis := range m.Axes {
		parts[i] = axis.Name + "=" + values[axis.Name]
	}

	params := maps.Clone(values)
	for _, o := range m.Overrides {
		if o.Match.Matches(values) {
			maps.Copy(params, o.Params)
		}
	}

	return Variant{
		Key:    strings.Join(parts, ","),
		Values: values,
		Params: params,
	}
}

// Rejects matrices whose rules could never be evaluated meaningfully.
// Characters that delimit variant keys and target names.
const keySeparators = ",=@"

func (m Matrix) validate() error {
	axes := make(map[string]map[string]bool, len(m.Axes))

	for _, axis := range m.Axes {
		if axis.Name == "" {
			return fmt.Errorf("%w: unnamed axis", ErrInvalidMatrix)
		}
		if strings.ContainsAny(axis.Name, keySeparators) {
			return fmt.Errorf("%w: invalid axis name %q", ErrInvalidMatrix, axis.Name)
		}
		if _, dup := axes[axis.Name]; dup {
			return fmt.Errorf("%w: duplicate axis %q", ErrInvalidMatrix, axis.Name)
		}
		if len(axis.Values) == 0 {
			return fmt.Errorf("%w: axis %q has no values", ErrInvalidMatrix, axis.Name)
		}

		values := make(map[string]bool, len(axis.Values))
		for _, v := range axis.Values {
			if v == "" || strings.ContainsAny(v, keySeparators) {
				return fmt.Errorf("%w: axis %q has invalid value %q", ErrInvalidMatrix, axis.Name, v)
			}
			if values[v] {
				return fmt.Errorf("%w: axis %q lists %q twice", ErrInvalidMatrix, axis.Name, v)
			}
			values[v] = true
		}
		axes[axis.Name] = values
	}

	check := func(what string, rule Rule) error {
		if len(rule) == 0 {
			return fmt.Errorf("%w: empty %s rule", ErrInvalidMatrix, what)
		}
		for axis, v := range rule {
			values, ok := axes[axis]
			if !ok {
				return fmt.Errorf("%w: %s rule names unknown axis %q", ErrInvalidMatrix, what, axis)
			}
			if !values[v] {
				return fmt.Errorf("%w: %s rule names unknown value %q for axis %q", ErrInvalidMatrix, what, v, axis)
			}
		}
		return nil
	}

	for _, rule := range m.Exclude {
		if err := check("exclude", rule); err != nil {
			return err
		}
	}
	for _, o := range m.Overrides {
		if err := check("override", o.Match); err != nil {
			return err
		}
	}

	return nil
}
