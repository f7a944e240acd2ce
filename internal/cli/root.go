package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/cruciblehq/kiln/internal"
	"github.com/cruciblehq/kiln/internal/paths"
	"github.com/cruciblehq/kiln/internal/project"
)

// Destination of command output. Logs go to standard error.
var stdout io.Writer = os.Stdout

// Represents the root command for kiln.
var RootCmd struct {
	Quiet   bool   `short:"q" help:"Suppress informational output."`
	Verbose bool   `short:"v" help:"Enable verbose output."`
	Debug   bool   `short:"d" help:"Enable debug output."`
	Socket  string `short:"s" help:"Override the default Unix socket path." placeholder:"PATH" env:"KILN_SOCKET"`
	Project string `short:"p" help:"Project file or directory. Defaults to the nearest kiln.toml." placeholder:"PATH" env:"KILN_PROJECT"`

	Start   StartCmd   `cmd:"" help:"Start the build daemon."`
	Stop    StopCmd    `cmd:"" help:"Stop the build daemon."`
	Status  StatusCmd  `cmd:"" help:"Show the state of the build daemon."`
	Build   BuildCmd   `cmd:"" help:"Build the targets of the project."`
	Matrix  MatrixCmd  `cmd:"" help:"List the build targets of the project."`
	Cache   CacheCmd   `cmd:"" help:"Inspect and prune the layer cache."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Builds embedded Linux images from layered recipes.\n\nLayers run in containerd containers, are cached by fingerprint, and are assembled into A/B disk images and update bundles."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
//
// Flags only ever enable a mode; linker-injected defaults stay in effect
// otherwise.
func configureLogger() {
	if RootCmd.Debug {
		internal.SetDebug(true)
	}
	if RootCmd.Quiet {
		internal.SetQuiet(true)
	}
	if RootCmd.Verbose {
		internal.SetVerbose(true)
	}

	slog.SetDefault(internal.NewLogger(os.Stderr))
}

// Returns the daemon socket path.
func socketPath() string {
	if RootCmd.Socket != "" {
		return RootCmd.Socket
	}
	return paths.Socket()
}

// Returns the path of the project file to use.
//
// An explicit --project wins; otherwise the working directory and its
// ancestors are searched.
func projectPath() (string, error) {
	if RootCmd.Project != "" {
		return RootCmd.Project, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return project.Find(cwd)
}

// Loads the project file to use.
func loadProject() (*project.Project, error) {
	path, err := projectPath()
	if err != nil {
		return nil, err
	}
	return project.Load(path)
}
