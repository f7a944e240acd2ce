// Package resolve orders the layers of a build target.
//
// Resolution walks the recipe graph from a target's root recipe through its
// parents and produces a [Plan]: every layer the target needs, parents before
// children, with parameters resolved for the target's variant. The order is a
// pure function of the graph and the target (ties follow parent declaration
// order), which keeps the fingerprints computed downstream reproducible.
//
// Example usage:
//
//	plan, err := resolve.Resolve(graph, target, resolve.Options{
//	    DefaultImage: "docker.io/library/debian:bookworm",
//	})
//	if err != nil {
//	    return err
//	}
//	for _, layer := range plan.Layers {
//	    fmt.Println(layer.ID())
//	}
package resolve
