package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/cruciblehq/kiln/internal/recipe"
)

// Bumped whenever the canonical encoding changes, invalidating every key.
const fingerprintVersion = "kiln.fingerprint.v1"

// Content-addressed key of a layer's reproducible inputs.
type Fingerprint = digest.Digest

// Logical inputs of a layer.
type Inputs struct {
	Recipe  digest.Digest     // Digest of the recipe content, see [RecipeDigest].
	Parents []Fingerprint     // Fingerprints of the parent layers, in declaration order.
	Params  map[string]string // Resolved parameters.
	Image   string            // Container image the steps run in.
}

// Canonical encoding hashed into a fingerprint. Parameters become sorted
// pairs so that declaration order never reaches the digest.
type canonicalInputs struct {
	Version string      `json:"v"`
	Recipe  string      `json:"recipe"`
	Parents []string    `json:"parents"`
	Params  [][2]string `json:"params"`
	Image   string      `json:"image"`
}

// Computes the fingerprint of a layer.
//
// The result is a pure function of the logical inputs. It never depends on
// time, host paths, or map iteration order, so independent machines building
// the same graph with the same parameters agree on every key.
func Compute(in Inputs) (Fingerprint, error) {
	c := canonicalInputs{
		Version: fingerprintVersion,
		Recipe:  in.Recipe.String(),
		Parents: make([]string, len(in.Parents)),
		Params:  sortedPairs(in.Params),
		Image:   in.Image,
	}
	for i, p := range in.Parents {
		c.Parents[i] = p.String()
	}

	return digestJSON(c)
}

// Canonical encoding of a recipe's content.
type canonicalRecipe struct {
	Version string          `json:"v"`
	ID      string          `json:"id"`
	Parents []string        `json:"parents"`
	Image   string          `json:"image"`
	Inputs  []canonicalItem `json:"inputs"`
	Outputs []string        `json:"outputs"`
	Steps   []canonicalStep `json:"steps"`
}

type canonicalItem struct {
	Kind    string `json:"kind"`
	From    string `json:"from"`
	Dest    string `json:"dest"`
	Content string `json:"content,omitempty"`
}

type canonicalStep struct {
	Run     string      `json:"run,omitempty"`
	Copy    string      `json:"copy,omitempty"`
	Shell   string      `json:"shell,omitempty"`
	Workdir string      `json:"workdir,omitempty"`
	Env     [][2]string `json:"env,omitempty"`
	Content string      `json:"content,omitempty"`
}

// Digests the content of a recipe.
//
// Host inputs and the sources of copy steps are hashed by content and named
// by their recipe-relative paths, so moving a project directory does not
// change the digest while editing an input file does. The timeout and the
// declared parameter defaults are excluded; resolved parameters enter the
// fingerprint separately.
//
// A missing host file fails with an error wrapping [fs.ErrNotExist].
func RecipeDigest(r *recipe.Recipe) (digest.Digest, error) {
	c := canonicalRecipe{
		Version: fingerprintVersion,
		ID:      r.ID,
		Parents: append([]string{}, r.Parents...),
		Image:   r.Image,
		Inputs:  make([]canonicalItem, 0, len(r.Inputs)),
		Outputs: append([]string{}, r.Outputs...),
		Steps:   make([]canonicalStep, 0, len(r.Steps)),
	}

	for _, in := range r.Inputs {
		item := canonicalItem{Kind: string(in.Kind), From: in.From, Dest: in.Dest}
		if in.Kind == recipe.InputHost {
			d, err := TreeDigest(r.HostPath(in))
			if err != nil {
				return "", fmt.Errorf("input %q: %w", in.From, err)
			}
			item.Content = d.String()
		}
		c.Inputs = append(c.Inputs, item)
	}

	for _, s := range r.Steps {
		step := canonicalStep{
			Run:     s.Run,
			Copy:    s.Copy,
			Shell:   s.Shell,
			Workdir: s.Workdir,
			Env:     sortedPairs(s.Env),
		}
		if src, ok := hostCopySource(r, s); ok {
			d, err := TreeDigest(r.HostPath(recipe.Input{From: src}))
			if err != nil {
				return "", fmt.Errorf("copy %q: %w", src, err)
			}
			step.Content = d.String()
		}
		c.Steps = append(c.Steps, step)
	}

	return digestJSON(c)
}

// Digests a file or directory tree by content.
//
// Directories are walked in lexical order; each entry contributes its
// relative path, type, permission bits, and content (or link target). Times
// and ownership are ignored.
func TreeDigest(root string) (digest.Digest, error) {
	info, err := os.Lstat(root)
	if err != nil {
		return "", err
	}

	d := digest.Canonical.Digester()
	h := d.Hash()

	if !info.IsDir() {
		if err := hashEntry(h, root, ".", info); err != nil {
			return "", err
		}
		return d.Digest(), nil
	}

	err = filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		return hashEntry(h, path, filepath.ToSlash(rel), info)
	})
	if err != nil {
		return "", err
	}

	return d.Digest(), nil
}

// Writes one entry of a tree into the hash.
func hashEntry(w io.Writer, path, rel string, info fs.FileInfo) error {
	mode := info.Mode()
	fmt.Fprintf(w, "%s\x00%s\x00%o\x00", rel, mode.Type(), mode.Perm())

	switch {
	case mode.IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Fprintf(w, "%d\x00", info.Size())
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\x00", target)
	}

	return nil
}

// Returns the source of a copy step that reads from the host. Copies from
// parent outputs are covered by the parent fingerprints.
func hostCopySource(r *recipe.Recipe, s recipe.Step) (string, bool) {
	src, _, ok := s.CopyArgs()
	if !ok {
		return "", false
	}
	if _, _, parent := r.ParentSource(src); parent {
		return "", false
	}
	return src, true
}

// Returns the map entries as key-sorted pairs.
func sortedPairs(m map[string]string) [][2]string {
	pairs := make([][2]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, [2]string{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

func digestJSON(v any) (digest.Digest, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(data), nil
}
