// Package pipeline turns build targets into cached layers and images.
//
// For every target the pipeline resolves the layer plan, computes each
// layer's fingerprint from its recipe content, its parents' fingerprints,
// its resolved parameters and its image, and consults the cache. Hits are
// verified before use. Misses are built by the executor in isolated contexts
// and stored. Layers start as soon as their parents are available, targets
// run concurrently, and a worker limit bounds the number of simultaneous
// builds. Identical layers requested by several targets are built once.
//
// A failed layer fails its target and skips the layers depending on it;
// other targets and unrelated layers are unaffected. The [Report] lists the
// outcome of every layer with its status, timing and, on failure, the error
// kind and captured step output.
//
// Example usage:
//
//	p := pipeline.New(graph, cache.New(store), build.NewExecutor(rt, build.Options{}), asm, pipeline.Options{
//	    Workers: 4,
//	    Layout:  layout,
//	    Output:  "out",
//	})
//
//	report, err := p.Run(ctx, targets)
//	if err != nil {
//	    return err
//	}
//	if report.Failed() {
//	    return errors.New("build failed")
//	}
package pipeline
