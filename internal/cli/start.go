package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cruciblehq/kiln/internal"
	"github.com/cruciblehq/kiln/internal/protocol"
	"github.com/cruciblehq/kiln/internal/server"
)

// Represents the 'kiln start' command.
type StartCmd struct {
	ContainerdAddress   string `help:"Containerd socket address. Overrides project settings." placeholder:"PATH" env:"KILN_CONTAINERD_ADDRESS"`
	ContainerdNamespace string `help:"Containerd namespace. Overrides project settings." placeholder:"NAME" env:"KILN_CONTAINERD_NAMESPACE"`
	Workers             int    `short:"j" help:"Concurrent layer builds for projects that set none." env:"KILN_WORKERS"`
}

// Executes the start command.
//
// Starts the daemon on a Unix domain socket and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
func (c *StartCmd) Run(ctx context.Context) error {
	srv := server.New(server.Config{
		SocketPath: RootCmd.Socket,
		Builder: server.BuilderConfig{
			ContainerdAddress:   c.ContainerdAddress,
			ContainerdNamespace: c.ContainerdNamespace,
			Workers:             c.Workers,
		},
	})

	if err := srv.Start(); err != nil {
		return err
	}

	slog.Info("kiln is running")

	stopped := make(chan struct{})
	go func() {
		srv.Wait()
		close(stopped)
	}()

	select {
	case <-ctx.Done():
	case <-stopped:
	}

	slog.Info("shutting down")
	return srv.Stop()
}

// Represents the 'kiln stop' command.
type StopCmd struct{}

// Executes the stop command.
func (c *StopCmd) Run(ctx context.Context) error {
	return unavailable(protocol.NewClient(socketPath()).Shutdown(ctx))
}

// Represents the 'kiln status' command.
type StatusCmd struct{}

// Executes the status command.
func (c *StatusCmd) Run(ctx context.Context) error {
	status, err := protocol.NewClient(socketPath()).Status(ctx)
	if err != nil {
		return unavailable(err)
	}

	fmt.Fprintf(stdout, "version: %s\npid:     %d\nuptime:  %s\nbuilds:  %d completed, %d running\n",
		status.Version, status.Pid, status.Uptime, status.Builds, status.Active)
	return nil
}

// Adds a hint to errors caused by a daemon that is not running.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, protocol.ErrUnavailable) {
		return fmt.Errorf("%w (start it with '%s start')", err, internal.Name)
	}
	return err
}
