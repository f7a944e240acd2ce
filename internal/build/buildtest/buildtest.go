package buildtest

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cruciblehq/kiln/internal/build"
)

// Runs a command inside a fake context.
type Handler func(ctx context.Context, c *Context, cmd build.Command) (*build.RunResult, error)

// In-process [build.Provider] backed by temporary directories.
//
// Each context is a directory under the provider's root. Commands run
// through [Provider.Handler], which defaults to [Script]. All counters are
// safe for concurrent use.
type Provider struct {
	Handler   Handler // Command handler. Defaults to [Script].
	CreateErr error   // Returned by CreateContext when set.

	root string

	mu        sync.Mutex
	created   int
	destroyed int
	runs      int
	images    []string
	live      map[string]bool
}

// Creates a provider whose contexts live under root.
func New(root string) *Provider {
	return &Provider{root: root, live: make(map[string]bool)}
}

// Creates a context directory. The image is only recorded.
func (p *Provider) CreateContext(ctx context.Context, image, id string) (build.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}

	dir := filepath.Join(p.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live[id] {
		return nil, fmt.Errorf("context %q already exists", id)
	}
	p.created++
	p.images = append(p.images, image)
	p.live[id] = true

	return &Context{provider: p, id: id, root: dir}, nil
}

// Returns the number of contexts created.
func (p *Provider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Returns the number of contexts destroyed.
func (p *Provider) Destroyed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

// Returns the number of commands run across all contexts.
func (p *Provider) Runs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runs
}

// Returns the number of contexts not yet destroyed.
func (p *Provider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// Returns the images of all created contexts, in creation order.
func (p *Provider) Images() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.images...)
}

// Fake execution context rooted at a host directory.
type Context struct {
	provider *Provider
	id       string
	root     string
}

// Returns the context identifier.
func (c *Context) ID() string {
	return c.id
}

// Returns the host path of a path inside the context.
func (c *Context) Path(p string) string {
	return filepath.Join(c.root, filepath.FromSlash(path.Clean("/"+p)))
}

// Extracts a tar stream below dest.
func (c *Context) StageInput(ctx context.Context, dest string, archive io.Reader) error {
	base := c.Path(dest)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(archive)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(base, filepath.FromSlash(path.Clean("/"+hdr.Name)))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			os.Remove(target)
			if err := os.Link(c.Path(hdr.Linkname), target); err != nil {
				return err
			}
		}
	}
}

// Creates a directory inside the context.
func (c *Context) MkdirAll(ctx context.Context, p string) error {
	return os.MkdirAll(c.Path(p), 0o755)
}

// Runs a command through the provider's handler.
func (c *Context) Run(ctx context.Context, cmd build.Command) (*build.RunResult, error) {
	c.provider.mu.Lock()
	c.provider.runs++
	handler := c.provider.Handler
	c.provider.mu.Unlock()

	if handler == nil {
		handler = Script
	}
	return handler(ctx, c, cmd)
}

// Writes a tar stream of the tree at p, named relative to its parent.
func (c *Context) ExtractOutput(ctx context.Context, p string, w io.Writer) error {
	src := c.Path(p)
	if _, err := os.Lstat(src); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", p, fs.ErrNotExist)
		}
		return err
	}

	tw := tar.NewWriter(w)
	parent := filepath.Dir(src)

	err := filepath.WalkDir(src, func(host string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(host); err != nil {
				return err
			}
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, host)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(host)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

// Removes the context directory.
func (c *Context) Destroy(ctx context.Context) error {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()

	if !c.provider.live[c.id] {
		return fmt.Errorf("context %q destroyed twice", c.id)
	}
	delete(c.provider.live, c.id)
	c.provider.destroyed++

	return os.RemoveAll(c.root)
}

// Default [Handler]. Interprets the script line by line:
//
//	write PATH TEXT...   write TEXT and a newline to PATH ($VARS expanded)
//	append PATH TEXT...  append TEXT and a newline to PATH
//	mkdir PATH           create a directory
//	cp SRC DEST          copy a file
//	require PATH         exit 1 unless PATH exists
//	echo TEXT...         print TEXT to standard output
//	sleep DURATION       wait, or return the context error when canceled
//	fail CODE [TEXT...]  exit with CODE, printing TEXT to standard error
//
// Relative paths resolve against the command's working directory.
func Script(ctx context.Context, c *Context, cmd build.Command) (*build.RunResult, error) {
	env := make(map[string]string, len(cmd.Env))
	for _, kv := range cmd.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	expand := func(s string) string {
		return os.Expand(s, func(k string) string { return env[k] })
	}
	resolve := func(p string) string {
		if !path.IsAbs(p) {
			p = path.Join("/", cmd.Workdir, p)
		}
		return c.Path(p)
	}

	var stdout, stderr strings.Builder
	result := func(code int) *build.RunResult {
		return &build.RunResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}
	}

	for _, line := range strings.Split(cmd.Script, "\n") {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		args := fields[1:]
		text := expand(strings.Join(args[min(1, len(args)):], " "))

		var err error
		switch fields[0] {
		case "write", "append":
			if len(args) < 1 {
				return usage(&stderr, line, result)
			}
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if fields[0] == "append" {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			err = writeFile(resolve(expand(args[0])), text+"\n", flags)

		case "mkdir":
			if len(args) != 1 {
				return usage(&stderr, line, result)
			}
			err = os.MkdirAll(resolve(expand(args[0])), 0o755)

		case "cp":
			if len(args) != 2 {
				return usage(&stderr, line, result)
			}
			var data []byte
			if data, err = os.ReadFile(resolve(expand(args[0]))); err == nil {
				err = writeFile(resolve(expand(args[1])), string(data), os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
			}

		case "require":
			if len(args) != 1 {
				return usage(&stderr, line, result)
			}
			if _, serr := os.Stat(resolve(expand(args[0]))); serr != nil {
				fmt.Fprintf(&stderr, "missing %s\n", args[0])
				return result(1), nil
			}

		case "echo":
			fmt.Fprintln(&stdout, expand(strings.Join(args, " ")))

		case "sleep":
			if len(args) != 1 {
				return usage(&stderr, line, result)
			}
			d, perr := time.ParseDuration(args[0])
			if perr != nil {
				return usage(&stderr, line, result)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d):
			}

		case "fail":
			if len(args) < 1 {
				return usage(&stderr, line, result)
			}
			code, perr := strconv.Atoi(args[0])
			if perr != nil {
				return usage(&stderr, line, result)
			}
			fmt.Fprintln(&stderr, text)
			return result(code), nil

		default:
			fmt.Fprintf(&stderr, "%s: command not found\n", fields[0])
			return result(127), nil
		}

		if err != nil {
			fmt.Fprintln(&stderr, err)
			return result(1), nil
		}
	}

	return result(0), nil
}

func usage(stderr *strings.Builder, line string, result func(int) *build.RunResult) (*build.RunResult, error) {
	fmt.Fprintf(stderr, "usage: %s\n", line)
	return result(2), nil
}

func writeFile(name, data string, flags int) error {
	if err := os.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(name, flags, 0o644)
	if err != nil {
		return err
	}
	_, err = f.WriteString(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}
