package build

import (
	"context"
	"io"
)

// Creates isolated execution contexts.
//
// Every context gets a fresh filesystem view derived only from its image.
// Nothing written in one context is visible in another.
type Provider interface {

	// Creates and starts a context from an image reference. The id is unique
	// per call and names the context's resources.
	CreateContext(ctx context.Context, image, id string) (Context, error)
}

// Isolated execution context for one layer build.
//
// A context is used by a single goroutine. Destroy must be called exactly
// once, after which the context is invalid.
type Context interface {

	// Returns the identifier the context was created with.
	ID() string

	// Extracts a tar stream into the directory dest, creating it as needed.
	StageInput(ctx context.Context, dest string, archive io.Reader) error

	// Creates a directory, including parents.
	MkdirAll(ctx context.Context, path string) error

	// Runs a command and waits for it to exit. A non-zero exit code is not
	// an error. When ctx is done the process tree is killed and ctx's error
	// is returned.
	Run(ctx context.Context, cmd Command) (*RunResult, error)

	// Writes a tar stream of the file or directory at path to w. Entry names
	// are relative to the parent directory of path. Fails with an error
	// wrapping [fs.ErrNotExist] when path does not exist.
	ExtractOutput(ctx context.Context, path string, w io.Writer) error

	// Kills any running process and releases the context's resources.
	Destroy(ctx context.Context) error
}

// Shell command to run inside a context.
type Command struct {
	Shell   string   // Shell binary; the script is passed with -c.
	Script  string   // Command text.
	Env     []string // Environment as sorted "key=value" pairs.
	Workdir string   // Working directory. Empty uses the image default.
}

// Outcome of a finished command.
type RunResult struct {
	ExitCode int    // Process exit code.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}
