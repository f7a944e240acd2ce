package build_test

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/cruciblehq/kiln/internal/build"
	"github.com/cruciblehq/kiln/internal/build/buildtest"
	"github.com/cruciblehq/kiln/internal/recipe"
	"github.com/cruciblehq/kiln/internal/resolve"
)

type fixture struct {
	provider *buildtest.Provider
	executor *build.Executor
	scratch  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	provider := buildtest.New(t.TempDir())
	scratch := t.TempDir()
	return &fixture{
		provider: provider,
		executor: build.NewExecutor(provider, build.Options{Scratch: scratch}),
		scratch:  scratch,
	}
}

// Creates a layer running script lines as individual run steps.
func layer(r *recipe.Recipe, params map[string]string) *resolve.Layer {
	if params == nil {
		params = map[string]string{}
	}
	return &resolve.Layer{Recipe: r, Variant: "board=test", Params: params, Image: "busybox"}
}

func runs(lines ...string) []recipe.Step {
	steps := make([]recipe.Step, len(lines))
	for i, l := range lines {
		steps[i] = recipe.Step{Run: l}
	}
	return steps
}

// Returns the entries of a tar archive as name to content.
func entries(t *testing.T, path string) map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	out := make(map[string]string)
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = string(data)
	}
}

func parentOf(id string, a *build.Artifact) build.Parent {
	return build.Parent{ID: id, Open: func(context.Context) (io.ReadCloser, error) { return a.Open() }}
}

func (f *fixture) execute(t *testing.T, req build.Request) *build.Artifact {
	t.Helper()
	a, err := f.executor.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute %s: %v", req.Layer.ID(), err)
	}
	t.Cleanup(func() { a.Remove() })
	return a
}

func (f *fixture) assertClean(t *testing.T) {
	t.Helper()
	if f.provider.Live() != 0 {
		t.Fatalf("%d contexts left alive", f.provider.Live())
	}
	left, err := os.ReadDir(f.scratch)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range left {
		if strings.HasPrefix(e.Name(), "kiln-spool-") {
			t.Fatalf("spool file left behind: %s", e.Name())
		}
	}
}

func TestExecuteCollectsDeclaredOutputs(t *testing.T) {
	f := newFixture(t)

	r := &recipe.Recipe{
		ID:      "os",
		Outputs: []string{"/out"},
		Steps: runs(
			"write /out/motd hello $KILN_PARAM_BOARD from $KILN_LAYER",
			"write /scratch/leak not declared",
		),
	}

	a := f.execute(t, build.Request{Layer: layer(r, map[string]string{"board": "rpi4"})})

	want := map[string]string{
		"out/":     "",
		"out/motd": "hello rpi4 from os\n",
	}
	if diff := cmp.Diff(want, entries(t, a.Path)); diff != "" {
		t.Fatalf("artifact mismatch (-want +got):\n%s", diff)
	}
	if a.Entries != 2 || a.Digest.Validate() != nil {
		t.Fatalf("artifact = %+v", a)
	}
	if f.provider.Created() != 1 || f.provider.Destroyed() != 1 {
		t.Fatalf("created %d, destroyed %d", f.provider.Created(), f.provider.Destroyed())
	}
	f.assertClean(t)
}

func TestExecuteDeterministicArchive(t *testing.T) {
	f := newFixture(t)

	r := &recipe.Recipe{
		ID:      "os",
		Outputs: []string{"/etc", "/usr/share/doc"},
		Steps: runs(
			"write /etc/zz last",
			"write /etc/aa first",
			"write /etc/mm/nested middle",
			"write /usr/share/doc/README docs",
		),
	}

	a := f.execute(t, build.Request{Layer: layer(r, nil)})
	time.Sleep(10 * time.Millisecond)
	b := f.execute(t, build.Request{Layer: layer(r, nil)})

	if a.Digest != b.Digest {
		t.Fatalf("digests differ: %s != %s", a.Digest, b.Digest)
	}

	var names []string
	file, err := os.Open(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	tr := tar.NewReader(file)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if !hdr.ModTime.Equal(time.Unix(0, 0)) || hdr.Uname != "" {
			t.Fatalf("header %s not normalized: %+v", hdr.Name, hdr)
		}
		names = append(names, hdr.Name)
	}

	want := []string{"etc/", "etc/aa", "etc/mm/", "etc/mm/nested", "etc/zz", "usr/share/doc/", "usr/share/doc/README"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteStagesInputs(t *testing.T) {
	f := newFixture(t)

	base := &recipe.Recipe{
		ID:      "base",
		Outputs: []string{"/etc"},
		Steps:   runs("write /etc/os-release kiln-base"),
	}
	baseArtifact := f.execute(t, build.Request{Layer: layer(base, nil)})

	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "files", "conf"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "files", "conf", "app.conf"), []byte("port=80\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "banner.txt"), []byte("welcome\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	app := &recipe.Recipe{
		ID:      "app",
		Parents: []string{"base"},
		Dir:     dir,
		Inputs: []recipe.Input{
			{Kind: recipe.InputHost, From: "files", Dest: "/src/files"},
			{Kind: recipe.InputParent, From: "base", Dest: "/sysroot"},
		},
		Outputs: []string{"/app"},
		Steps: []recipe.Step{
			{Workdir: "/app"},
			{Run: "require /sysroot/etc/os-release"},
			{Run: "cp /src/files/conf/app.conf app.conf"},
			{Run: "cp /kiln/params.env params.env"},
			{Copy: "banner.txt banner"},
			{Copy: "base:/etc/os-release /app/base-release"},
			{Run: "write env.txt $GREETING $KILN_LAYER", Env: map[string]string{"GREETING": "hi"}},
			{Run: "write plain.txt [$GREETING]"},
		},
	}

	a := f.execute(t, build.Request{
		Layer:   layer(app, map[string]string{"board": "rpi4", "motd": "it's"}),
		Parents: []build.Parent{parentOf("base", baseArtifact)},
	})

	want := map[string]string{
		"app/":             "",
		"app/app.conf":     "port=80\n",
		"app/params.env":   "KILN_PARAM_BOARD='rpi4'\nKILN_PARAM_MOTD='it'\\''s'\n",
		"app/banner":       "welcome\n",
		"app/base-release": "kiln-base\n",
		"app/env.txt":      "hi app\n",
		"app/plain.txt":    "[]\n",
	}
	if diff := cmp.Diff(want, entries(t, a.Path)); diff != "" {
		t.Fatalf("artifact mismatch (-want +got):\n%s", diff)
	}
	f.assertClean(t)
}

func TestExecuteParentAtRoot(t *testing.T) {
	f := newFixture(t)

	base := &recipe.Recipe{ID: "base", Outputs: []string{"/etc"}, Steps: runs("write /etc/base yes")}
	baseArtifact := f.execute(t, build.Request{Layer: layer(base, nil)})

	osLayer := &recipe.Recipe{
		ID:      "os",
		Parents: []string{"base"},
		Outputs: []string{"/out"},
		Steps:   runs("cp /etc/base /out/seen"),
	}
	a := f.execute(t, build.Request{
		Layer:   layer(osLayer, nil),
		Parents: []build.Parent{parentOf("base", baseArtifact)},
	})

	if got := entries(t, a.Path)["out/seen"]; got != "yes\n" {
		t.Fatalf("out/seen = %q", got)
	}
}

func TestExecuteStepFailed(t *testing.T) {
	f := newFixture(t)

	r := &recipe.Recipe{
		ID:      "os",
		Outputs: []string{"/out"},
		Steps: runs(
			"write /out/a ok",
			"echo compiling\nfail 3 boom",
			"write /out/b never",
		),
	}

	_, err := f.executor.Execute(context.Background(), build.Request{Layer: layer(r, nil)})
	if !errors.Is(err, build.ErrStepFailed) || !errors.Is(err, build.ErrBuild) {
		t.Fatalf("err = %v, want ErrStepFailed", err)
	}

	var stepErr *build.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("err is %T, want *StepError", err)
	}
	if stepErr.Step != 2 || stepErr.ExitCode != 3 {
		t.Fatalf("step error = %+v", stepErr)
	}
	if !strings.Contains(stepErr.Output(), "compiling") || !strings.Contains(stepErr.Stderr, "boom") {
		t.Fatalf("output = %q", stepErr.Output())
	}

	if f.provider.Runs() != 2 {
		t.Fatalf("runs = %d, want 2 (no retry)", f.provider.Runs())
	}
	if f.provider.Destroyed() != 1 {
		t.Fatalf("destroyed = %d, want 1", f.provider.Destroyed())
	}
	f.assertClean(t)
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t)

	r := &recipe.Recipe{
		ID:      "slow",
		Timeout: 50 * time.Millisecond,
		Outputs: []string{"/out"},
		Steps:   runs("sleep 10s"),
	}

	start := time.Now()
	_, err := f.executor.Execute(context.Background(), build.Request{Layer: layer(r, nil)})
	if !errors.Is(err, build.ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
	if errors.Is(err, build.ErrCanceled) {
		t.Fatal("timeout reported as cancellation")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("context not terminated promptly: %s", elapsed)
	}
	if f.provider.Destroyed() != 1 {
		t.Fatalf("destroyed = %d, want 1", f.provider.Destroyed())
	}
	f.assertClean(t)
}

func TestExecuteCanceled(t *testing.T) {
	f := newFixture(t)

	r := &recipe.Recipe{ID: "slow", Outputs: []string{"/out"}, Steps: runs("sleep 10s")}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := f.executor.Execute(ctx, build.Request{Layer: layer(r, nil)})
	if !errors.Is(err, build.ErrCanceled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if f.provider.Destroyed() != 1 {
		t.Fatalf("destroyed = %d, want 1", f.provider.Destroyed())
	}
	f.assertClean(t)
}

func TestExecuteInputMissing(t *testing.T) {
	tests := []struct {
		name    string
		recipe  *recipe.Recipe
		parents []build.Parent
	}{
		{
			name: "host input",
			recipe: &recipe.Recipe{
				ID:      "app",
				Dir:     "/nonexistent",
				Inputs:  []recipe.Input{{Kind: recipe.InputHost, From: "files", Dest: "/src"}},
				Outputs: []string{"/out"},
			},
		},
		{
			name: "parent output",
			recipe: &recipe.Recipe{
				ID:      "app",
				Parents: []string{"base"},
				Outputs: []string{"/out"},
			},
		},
		{
			name: "unreadable parent output",
			recipe: &recipe.Recipe{
				ID:      "app",
				Parents: []string{"base"},
				Outputs: []string{"/out"},
			},
			parents: []build.Parent{{ID: "base", Open: func(context.Context) (io.ReadCloser, error) {
				return nil, os.ErrNotExist
			}}},
		},
		{
			name: "copy source",
			recipe: &recipe.Recipe{
				ID:      "app",
				Dir:     "/nonexistent",
				Outputs: []string{"/out"},
				Steps:   []recipe.Step{{Copy: "missing.txt /out/x"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.executor.Execute(context.Background(), build.Request{Layer: layer(tt.recipe, nil), Parents: tt.parents})
			if !errors.Is(err, build.ErrInputMissing) {
				t.Fatalf("err = %v, want ErrInputMissing", err)
			}
			f.assertClean(t)
		})
	}
}

func TestExecuteOutputMissing(t *testing.T) {
	f := newFixture(t)

	r := &recipe.Recipe{ID: "os", Outputs: []string{"/out", "/absent"}, Steps: runs("write /out/a x")}

	_, err := f.executor.Execute(context.Background(), build.Request{Layer: layer(r, nil)})
	if !errors.Is(err, build.ErrOutputMissing) {
		t.Fatalf("err = %v, want ErrOutputMissing", err)
	}
	f.assertClean(t)
}

func TestExecuteFreshContexts(t *testing.T) {
	f := newFixture(t)

	first := &recipe.Recipe{ID: "first", Outputs: []string{"/out"}, Steps: runs("write /tmp/leak x", "write /out/a x")}
	f.execute(t, build.Request{Layer: layer(first, nil)})

	second := &recipe.Recipe{ID: "second", Outputs: []string{"/out"}, Steps: runs("require /tmp/leak", "write /out/a x")}
	_, err := f.executor.Execute(context.Background(), build.Request{Layer: layer(second, nil)})

	var stepErr *build.StepError
	if !errors.As(err, &stepErr) || stepErr.Step != 1 {
		t.Fatalf("err = %v, want state from the first context to be invisible", err)
	}
}

func TestExecuteCreateContextFails(t *testing.T) {
	f := newFixture(t)
	f.provider.CreateErr = errors.New("image pull failed")

	r := &recipe.Recipe{ID: "os", Outputs: []string{"/out"}}
	_, err := f.executor.Execute(context.Background(), build.Request{Layer: layer(r, nil)})
	if !errors.Is(err, build.ErrBuild) || !strings.Contains(err.Error(), "image pull failed") {
		t.Fatalf("err = %v", err)
	}
	if f.provider.Destroyed() != 0 {
		t.Fatal("destroyed a context that was never created")
	}
}
