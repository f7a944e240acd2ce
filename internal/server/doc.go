// Package server implements the kiln daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the kiln CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection. A client that disconnects while its build is
// running cancels the build.
//
// Supported commands are building the targets of a project, querying daemon
// status, and initiating shutdown. Builds are run by a [Builder], which loads
// the project file named in the request and drives the pipeline against the
// project's cache and a containerd runtime shared across requests. The
// builder can also be used without a daemon.
//
// Example usage:
//
//	srv := server.New(server.Config{
//	    Builder: server.BuilderConfig{
//	        ContainerdNamespace: "kiln",
//	    },
//	})
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
