// Package build executes layers in isolated execution contexts.
//
// An [Executor] turns one resolved layer into an [Artifact]. It creates a
// fresh context from the layer's image through a [Provider], stages the
// resolved parameters (as /kiln/params.env and KILN_PARAM_* variables), the
// outputs of the parent layers, and the recipe's host inputs, then runs the
// recipe's steps in order. Only the declared outputs are extracted; they are
// written to a normalized tar archive whose entries are sorted and carry no
// timestamps. The context is destroyed whether the build succeeds or not.
//
// Step state (environment variables, working directory, shell) accumulates
// across standalone modifier steps. Modifiers attached to an operation apply
// to that operation only.
//
// A step exiting non-zero fails the layer with a [*StepError] and is never
// retried. Exceeding the layer's time budget terminates the context and
// fails with [ErrTimedOut].
//
// Example usage:
//
//	x := build.NewExecutor(provider, build.Options{Timeout: 30 * time.Minute})
//	artifact, err := x.Execute(ctx, build.Request{
//	    Layer:   &plan.Layers[i],
//	    Parents: parents,
//	})
//	if err != nil {
//	    return err
//	}
//	defer artifact.Remove()
package build
