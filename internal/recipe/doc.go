// Package recipe loads declarative layer recipes into an in-memory graph.
//
// A recipe describes one build layer: the container image its steps run in,
// the parent layers it builds on, the inputs staged before the steps run, the
// steps themselves, and the paths extracted as the layer's output. Recipes
// are read from TOML or YAML sources, each holding any number of recipes:
//
//	[[recipe]]
//	id = "os"
//	parents = ["base"]
//	image = "docker.io/library/debian:bookworm"
//	outputs = ["/kiln/root"]
//
//	[recipe.parameters]
//	hostname = "kiln"
//
//	[[recipe.steps]]
//	run = "echo $KILN_PARAM_HOSTNAME > /kiln/root/etc/hostname"
//
// Loading validates each recipe's schema and rejects duplicate identifiers.
// Parent references are only checked when a target is resolved, so sources
// may be loaded in any order.
//
// Example usage:
//
//	g, err := recipe.Load("recipes/base.toml", "recipes/app.yaml")
//	if err != nil {
//	    return err
//	}
//	r, ok := g.Lookup("os")
package recipe
