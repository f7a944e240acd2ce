// Package buildtest provides an in-process execution context provider for
// tests.
//
// Contexts are temporary directories and commands are interpreted by a tiny
// line-oriented script language (see [Script]), which lets executor and
// pipeline tests exercise staging, step failures, timeouts, and cancellation
// without a container engine.
//
// Example usage:
//
//	provider := buildtest.New(t.TempDir())
//	x := build.NewExecutor(provider, build.Options{Scratch: t.TempDir()})
//	...
//	if provider.Created() != 0 {
//	    t.Fatal("expected a fully cached run")
//	}
package buildtest
