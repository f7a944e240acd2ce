package recipe

import "fmt"

// In-memory index of loaded recipes.
//
// Recipes are kept in an arena in declaration order and referenced by
// position, so shared ancestors never create ownership cycles. Parent
// references stay as identifiers until resolution.
type Graph struct {
	recipes []*Recipe
	index   map[string]int
}

func newGraph() *Graph {
	return &Graph{index: make(map[string]int)}
}

// Builds a graph from already constructed recipes.
//
// Intended for programmatic construction; applies the same duplicate check
// as [Load].
func NewGraph(recipes ...*Recipe) (*Graph, error) {
	g := newGraph()
	for _, r := range recipes {
		if err := g.add(r); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Graph) add(r *Recipe) error {
	if i, ok := g.index[r.ID]; ok {
		return &Error{
			Kind:     ErrDuplicateIdentifier,
			Location: r.Location,
			ID:       r.ID,
			Msg:      fmt.Sprintf("first declared at %s", g.recipes[i].Location),
		}
	}
	g.index[r.ID] = len(g.recipes)
	g.recipes = append(g.recipes, r)
	return nil
}

// Returns the recipe with the given identifier.
func (g *Graph) Lookup(id string) (*Recipe, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.recipes[i], true
}

// Returns all recipes in declaration order.
func (g *Graph) Recipes() []*Recipe {
	return append([]*Recipe(nil), g.recipes...)
}

// Returns the number of recipes.
func (g *Graph) Len() int {
	return len(g.recipes)
}
