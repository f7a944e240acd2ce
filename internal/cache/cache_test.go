package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/kiln/internal/recipe"
)

func newCache(t *testing.T) (*Cache, *FSStore) {
	t.Helper()
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(store), store
}

func fingerprint(t *testing.T, layer string) Fingerprint {
	t.Helper()
	fp, err := Compute(Inputs{Recipe: digest.FromString(layer), Image: "busybox"})
	if err != nil {
		t.Fatal(err)
	}
	return fp
}

// Returns the names of staged files left under the store root.
func stagedFiles(t *testing.T, root string) []string {
	t.Helper()
	var staged []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), stagePrefix) {
			staged = append(staged, path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return staged
}

func TestComputeParameterOrder(t *testing.T) {
	a := map[string]string{}
	b := map[string]string{}
	keys := []string{"board", "distro", "console", "mirror", "arch"}
	for i, k := range keys {
		a[k] = fmt.Sprint(i)
	}
	for i := len(keys) - 1; i >= 0; i-- {
		b[keys[i]] = fmt.Sprint(i)
	}

	in := Inputs{Recipe: digest.FromString("os"), Image: "debian:bookworm"}
	in.Params = a
	fa, err := Compute(in)
	if err != nil {
		t.Fatal(err)
	}
	in.Params = b
	fb, err := Compute(in)
	if err != nil {
		t.Fatal(err)
	}

	if fa != fb {
		t.Fatalf("fingerprints differ: %s != %s", fa, fb)
	}
}

func TestComputeSensitivity(t *testing.T) {
	base := Inputs{
		Recipe:  digest.FromString("os"),
		Parents: []Fingerprint{digest.FromString("base")},
		Params:  map[string]string{"board": "rpi4"},
		Image:   "debian:bookworm",
	}
	want, err := Compute(base)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		change func(*Inputs)
	}{
		{"recipe", func(in *Inputs) { in.Recipe = digest.FromString("os2") }},
		{"parent", func(in *Inputs) { in.Parents = []Fingerprint{digest.FromString("base2")} }},
		{"parent order", func(in *Inputs) {
			in.Parents = []Fingerprint{digest.FromString("x"), digest.FromString("base")}
		}},
		{"param value", func(in *Inputs) { in.Params = map[string]string{"board": "generic-x86"} }},
		{"param added", func(in *Inputs) { in.Params = map[string]string{"board": "rpi4", "x": ""} }},
		{"image", func(in *Inputs) { in.Image = "debian:trixie" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := base
			tt.change(&in)
			got, err := Compute(in)
			if err != nil {
				t.Fatal(err)
			}
			if got == want {
				t.Fatalf("fingerprint unchanged after %s change", tt.name)
			}
		})
	}
}

func TestComputeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("fingerprints ignore parameter insertion order", prop.ForAll(
		func(keys []string, values []string) bool {
			forward := make(map[string]string)
			backward := make(map[string]string)
			for i, k := range keys {
				forward[k] = values[i%len(values)]
			}
			for i := len(keys) - 1; i >= 0; i-- {
				backward[keys[i]] = forward[keys[i]]
			}

			a, err := Compute(Inputs{Params: forward, Image: "img"})
			if err != nil {
				return false
			}
			b, err := Compute(Inputs{Params: backward, Image: "img"})
			return err == nil && a == b
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOfN(4, gen.AlphaString()),
	))

	properties.Property("fingerprints are valid sha256 digests", prop.ForAll(
		func(image string) bool {
			fp, err := Compute(Inputs{Image: image})
			return err == nil && fp.Validate() == nil && fp.Algorithm() == digest.SHA256
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestRecipeDigestHostContent(t *testing.T) {
	write := func(dir, content string) *recipe.Recipe {
		if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "files", "motd"), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return &recipe.Recipe{
			ID:      "os",
			Dir:     dir,
			Inputs:  []recipe.Input{{Kind: recipe.InputHost, From: "files", Dest: "/etc/kiln"}},
			Outputs: []string{"/etc"},
			Steps:   []recipe.Step{{Run: "true"}},
		}
	}

	a, err := RecipeDigest(write(t.TempDir(), "hello"))
	if err != nil {
		t.Fatal(err)
	}

	moved, err := RecipeDigest(write(t.TempDir(), "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if a != moved {
		t.Fatal("digest depends on the project location")
	}

	edited, err := RecipeDigest(write(t.TempDir(), "goodbye"))
	if err != nil {
		t.Fatal(err)
	}
	if a == edited {
		t.Fatal("digest ignores host input content")
	}
}

func TestRecipeDigestMissingInput(t *testing.T) {
	r := &recipe.Recipe{
		ID:      "os",
		Dir:     t.TempDir(),
		Inputs:  []recipe.Input{{Kind: recipe.InputHost, From: "absent", Dest: "/x"}},
		Outputs: []string{"/x"},
	}

	if _, err := RecipeDigest(r); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestStoreAndOpen(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	fp := fingerprint(t, "os")
	content := []byte("layer artifact")

	meta, err := c.Store(ctx, fp, "os", bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if meta.Digest != digest.FromBytes(content) || meta.Size != int64(len(content)) {
		t.Fatalf("metadata = %+v", meta)
	}

	rc, got, err := c.Open(ctx, fp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Fatalf("content = %q", data)
	}
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func TestLookup(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	in := Inputs{Recipe: digest.FromString("base"), Image: "busybox"}

	fp, hit, err := c.Lookup(ctx, in)
	if err != nil || hit {
		t.Fatalf("Lookup = %v, %v; want miss", hit, err)
	}

	if _, err := c.Store(ctx, fp, "base", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}

	again, hit, err := c.Lookup(ctx, in)
	if err != nil || !hit {
		t.Fatalf("Lookup = %v, %v; want hit", hit, err)
	}
	if again != fp {
		t.Fatalf("fingerprint changed: %s != %s", again, fp)
	}
}

func TestOpenCorruption(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, s *FSStore, meta Metadata)
		onOpen  bool
	}{
		{
			name: "missing blob",
			corrupt: func(t *testing.T, s *FSStore, meta Metadata) {
				if err := os.Remove(s.blobPath(meta.Digest)); err != nil {
					t.Fatal(err)
				}
			},
			onOpen: true,
		},
		{
			name: "altered content",
			corrupt: func(t *testing.T, s *FSStore, meta Metadata) {
				if err := os.WriteFile(s.blobPath(meta.Digest), []byte("tampered!!"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "truncated content",
			corrupt: func(t *testing.T, s *FSStore, meta Metadata) {
				if err := os.Truncate(s.blobPath(meta.Digest), 3); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "extended content",
			corrupt: func(t *testing.T, s *FSStore, meta Metadata) {
				if err := os.WriteFile(s.blobPath(meta.Digest), []byte("layer artifact and more"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, store := newCache(t)
			ctx := context.Background()
			fp := fingerprint(t, "os")

			meta, err := c.Store(ctx, fp, "os", strings.NewReader("layer artifact"))
			if err != nil {
				t.Fatal(err)
			}
			tt.corrupt(t, store, meta)

			rc, _, err := c.Open(ctx, fp)
			if tt.onOpen {
				if !errors.Is(err, ErrCacheCorruption) {
					t.Fatalf("Open err = %v, want ErrCacheCorruption", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer rc.Close()

			if _, err := io.ReadAll(rc); !errors.Is(err, ErrCacheCorruption) {
				t.Fatalf("read err = %v, want ErrCacheCorruption", err)
			}
			if _, err := c.Verify(ctx, fp); !errors.Is(err, ErrCacheCorruption) {
				t.Fatalf("Verify err = %v, want ErrCacheCorruption", err)
			}
		})
	}
}

func TestInvalidateAndRestore(t *testing.T) {
	c, store := newCache(t)
	ctx := context.Background()
	fp := fingerprint(t, "os")

	meta, err := c.Store(ctx, fp, "os", strings.NewReader("layer artifact"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(store.blobPath(meta.Digest), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.Invalidate(ctx, fp); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := c.Stat(ctx, fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat err = %v, want ErrNotFound", err)
	}

	if _, err := c.Store(ctx, fp, "os", strings.NewReader("layer artifact")); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Verify(ctx, fp); err != nil {
		t.Fatalf("Verify after restore: %v", err)
	}
}

func TestConcurrentStoreSameFingerprint(t *testing.T) {
	c, store := newCache(t)
	ctx := context.Background()
	fp := fingerprint(t, "os")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			content := strings.Repeat(fmt.Sprintf("writer %02d ", i), 4096)
			if _, err := c.Store(ctx, fp, "os", strings.NewReader(content)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Store: %v", err)
	}

	meta, err := c.Verify(ctx, fp)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if meta.Size != int64(len("writer 00 ")*4096) {
		t.Fatalf("size = %d", meta.Size)
	}
	if staged := stagedFiles(t, store.Root()); len(staged) != 0 {
		t.Fatalf("staged files left behind: %v", staged)
	}
}

// Reader that fails after delivering part of its content.
type failingReader struct {
	r   io.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func TestStoreInterruptedLeavesNothing(t *testing.T) {
	c, store := newCache(t)
	fp := fingerprint(t, "os")

	t.Run("reader error", func(t *testing.T) {
		r := &failingReader{r: strings.NewReader("partial"), err: errors.New("connection reset")}
		if _, err := c.Store(context.Background(), fp, "os", r); err == nil {
			t.Fatal("Store succeeded")
		}
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := c.Store(ctx, fp, "os", strings.NewReader("partial")); !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})

	if _, _, err := c.Lookup(context.Background(), Inputs{Recipe: digest.FromString("os"), Image: "busybox"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Stat(context.Background(), fp); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat err = %v, want ErrNotFound", err)
	}
	if staged := stagedFiles(t, store.Root()); len(staged) != 0 {
		t.Fatalf("staged files left behind: %v", staged)
	}
}

func TestListAndPrune(t *testing.T) {
	c, store := newCache(t)
	ctx := context.Background()

	for _, layer := range []string{"base", "os", "app"} {
		if _, err := c.Store(ctx, fingerprint(t, layer), layer, strings.NewReader("content of "+layer)); err != nil {
			t.Fatal(err)
		}
	}

	// A stale staged file from an interrupted write.
	if err := os.WriteFile(filepath.Join(store.blobDir(), stagePrefix+"123"), []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	list, err := c.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(list))
	}

	result, err := c.Prune(ctx, func(m Metadata) bool { return m.Layer == "base" })
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(result.Removed) != 2 || result.Kept != 1 {
		t.Fatalf("result = %+v", result)
	}
	want := int64(len("content of os") + len("content of app") + len("junk"))
	if result.Freed != want {
		t.Fatalf("freed = %d, want %d", result.Freed, want)
	}

	if _, err := c.Verify(ctx, fingerprint(t, "base")); err != nil {
		t.Fatalf("kept entry unreadable: %v", err)
	}
	if staged := stagedFiles(t, store.Root()); len(staged) != 0 {
		t.Fatalf("staged files left behind: %v", staged)
	}
}
