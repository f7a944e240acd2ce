// Package runtime provides build contexts backed by containerd.
//
// A [Runtime] connects to a containerd daemon and implements
// [build.Provider]. Build images are pulled from a registry, or imported when
// the reference names a local OCI archive, then unpacked for the target
// platform. Concurrent requests for the same image share a single pull.
//
// Each [Container] wraps a running containerd task and implements
// [build.Context]. Shell commands run as additional execs of that task, and
// files move in and out as tar streams piped through tar inside the
// container. A canceled or expired context kills the running exec. When the
// container is no longer needed it must be destroyed to release its snapshot
// and task resources.
//
// Example usage:
//
//	rt, err := runtime.New(runtime.Config{
//	    Address:   "/run/containerd/containerd.sock",
//	    Namespace: "kiln",
//	    Platform:  "linux/arm64",
//	})
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	bctx, err := rt.CreateContext(ctx, "debian:bookworm", "kiln-os-1a2b3c4d")
//	if err != nil {
//	    return err
//	}
//	defer bctx.Destroy(ctx)
//
//	res, err := bctx.Run(ctx, build.Command{Shell: "/bin/sh", Script: "uname -m"})
//	if err != nil {
//	    return err
//	}
package runtime
