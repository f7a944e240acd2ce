package resolve

import (
	"maps"

	"github.com/cruciblehq/kiln/internal/matrix"
	"github.com/cruciblehq/kiln/internal/recipe"
)

// Recipe instantiated for one target.
type Layer struct {
	Index   int               // Position in the plan.
	Recipe  *recipe.Recipe    // Source recipe (not owned).
	Variant string            // Key of the target variant.
	Params  map[string]string // Resolved parameters.
	Image   string            // Effective container image.
	Parents []int             // Plan indices of the parent layers, in declaration order.
}

// Returns the recipe identifier of the layer.
func (l *Layer) ID() string {
	return l.Recipe.ID
}

// Build order for one target. Parents always precede their children.
type Plan struct {
	Target matrix.Target
	Layers []Layer
}

// Returns the layer of the target's root recipe.
func (p *Plan) Root() *Layer {
	return &p.Layers[len(p.Layers)-1]
}

// Returns the identifiers of the layers in build order.
func (p *Plan) Order() []string {
	ids := make([]string, len(p.Layers))
	for i := range p.Layers {
		ids[i] = p.Layers[i].ID()
	}
	return ids
}

// Controls resolution.
type Options struct {
	DefaultImage string // Image for layers whose recipe chain declares none.
}

// Traversal state of a recipe during the depth-first walk.
type mark uint8

const (
	unvisited mark = iota
	visiting
	visited
)

// Stack frame of the iterative depth-first walk.
type frame struct {
	recipe *recipe.Recipe
	next   int // Index of the next parent to visit.
}

// Orders the layers of a target, parents before children.
//
// The walk starts at the target's root recipe and follows parents in
// declaration order, emitting each recipe after all of its parents (post
// order). Shared ancestors are emitted once. The walk uses an explicit stack
// and a three-state mark per recipe, so it terminates on cyclic graphs with
// [ErrCyclicDependency] and never recurses.
//
// Layer parameters are the recipe's declared defaults overridden by the
// variant's parameters for the names the recipe declares. A recipe that does
// not declare an axis parameter therefore resolves identically for every
// value of that axis.
func Resolve(g *recipe.Graph, target matrix.Target, opts Options) (*Plan, error) {
	root, ok := g.Lookup(target.Root)
	if !ok {
		return nil, &MissingError{Chain: []string{target.Root}}
	}

	marks := make(map[string]mark)
	index := make(map[string]int)
	plan := &Plan{Target: target}

	stack := []frame{{recipe: root}}
	marks[root.ID] = visiting

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.next < len(top.recipe.Parents) {
			id := top.recipe.Parents[top.next]
			top.next++

			switch marks[id] {
			case visited:
				continue
			case visiting:
				return nil, &CycleError{Path: cyclePath(stack, id)}
			}

			parent, ok := g.Lookup(id)
			if !ok {
				return nil, &MissingError{Chain: append(chain(stack), id)}
			}

			marks[id] = visiting
			stack = append(stack, frame{recipe: parent})
			continue
		}

		r := top.recipe
		stack = stack[:len(stack)-1]
		marks[r.ID] = visited
		index[r.ID] = len(plan.Layers)
		plan.Layers = append(plan.Layers, instantiate(plan, r, index, target.Variant, opts))
	}

	return plan, nil
}

// Creates the layer for a recipe whose parents are already in the plan.
func instantiate(plan *Plan, r *recipe.Recipe, index map[string]int, v matrix.Variant, opts Options) Layer {
	layer := Layer{
		Index:   len(plan.Layers),
		Recipe:  r,
		Variant: v.Key,
		Params:  maps.Clone(r.Parameters),
		Image:   r.Image,
		Parents: make([]int, len(r.Parents)),
	}
	if layer.Params == nil {
		layer.Params = make(map[string]string)
	}

	for k := range layer.Params {
		if val, ok := v.Params[k]; ok {
			layer.Params[k] = val
		}
	}

	for i, id := range r.Parents {
		layer.Parents[i] = index[id]
	}

	if layer.Image == "" {
		if len(layer.Parents) > 0 {
			layer.Image = plan.Layers[layer.Parents[0]].Image
		} else {
			layer.Image = opts.DefaultImage
		}
	}

	return layer
}

// Returns the recipe identifiers on the stack, root first.
func chain(stack []frame) []string {
	ids := make([]string, len(stack))
	for i, f := range stack {
		ids[i] = f.recipe.ID
	}
	return ids
}

// Returns the cycle closed by revisiting id, starting and ending at id.
func cyclePath(stack []frame, id string) []string {
	for i, f := range stack {
		if f.recipe.ID == id {
			return append(chain(stack[i:]), id)
		}
	}
	return []string{id, id}
}
