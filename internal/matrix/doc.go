// Package matrix expands build axes into concrete variants and targets.
//
// A matrix declares axes (board, distribution, feature set, ...) with their
// values, exclusion rules for disallowed combinations, and overrides that
// attach extra parameters to matching combinations. Expansion computes the
// cartesian product in a stable order and fails loudly when exclusions leave
// nothing to build.
//
// Example usage:
//
//	variants, err := matrix.Expand(matrix.Matrix{
//	    Axes: []matrix.Axis{
//	        {Name: "board", Values: []string{"rpi4", "generic-x86"}},
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	targets := matrix.Targets(variants, []string{"app"})
package matrix
