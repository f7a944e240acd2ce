package runtime

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, p string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", p)
}

// Extracts a tar stream into dest inside the container.
//
// The directory is created first, then the contents of r are piped to "tar
// xf - -C dest" inside the container.
func (c *Container) StageInput(ctx context.Context, dest string, r io.Reader) error {
	if err := c.MkdirAll(ctx, dest); err != nil {
		return err
	}
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "-C", dest)
}

// Writes a path from the container's filesystem to w as a tar stream.
//
// The file or directory at p is archived by running "tar cf - -C <dir>
// <base>" inside the container, so entry names are relative to the parent
// directory. A missing path fails with an error wrapping [fs.ErrNotExist].
func (c *Container) ExtractOutput(ctx context.Context, p string, w io.Writer) error {
	exitCode, _, err := c.execCommand(ctx, nil, nil, nil, "", "test", "-e", p)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
	}

	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "-C", path.Dir(p), path.Base(p))
}

// Runs a command inside the container, returning an error that includes desc
// if the process exits with a non-zero code.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, nil, "", args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: %s failed with exit code %d (%s)", ErrRuntime, desc, exitCode, stderr)
	}
	return nil
}
