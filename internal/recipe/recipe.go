package recipe

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Where a staged input comes from.
type InputKind string

const (
	InputHost   InputKind = "host"   // File or directory on the host, relative to the recipe file.
	InputParent InputKind = "parent" // Output of one of the recipe's parent layers.
)

// Declarative definition of one build layer.
//
// Recipes are immutable once loaded. Parents are referenced by identifier and
// resolved lazily, so a recipe may name a parent declared in a later source.
type Recipe struct {
	ID         string            // Unique identifier.
	Parents    []string          // Parent recipe identifiers, in declaration order.
	Image      string            // Container image the steps run in. Empty inherits from the first parent.
	Timeout    time.Duration     // Wall-clock budget for the layer. Zero uses the executor default.
	Parameters map[string]string // Declared parameters and their default values.
	Inputs     []Input           // Declared inputs staged before the steps run.
	Outputs    []string          // Absolute paths extracted from the context after the steps run.
	Steps      []Step            // Build steps, executed in order.
	Dir        string            // Directory of the source file; host paths are resolved against it.
	Location   Location          // Where the recipe was declared.
}

// Declared input of a recipe.
type Input struct {
	Kind InputKind // Input origin.
	From string    // Host path (relative to Dir) or parent recipe identifier.
	Dest string    // Absolute destination path inside the execution context.
}

// Single build step.
//
// A step carrying Run or Copy is an operation; its modifiers (Shell, Workdir,
// Env) apply to that operation only. A step carrying only modifiers updates
// the state for all following steps.
type Step struct {
	Run     string            // Shell command.
	Copy    string            // "src dest" copy into the context; src is a host path or "parent:path".
	Shell   string            // Shell used for run steps.
	Workdir string            // Working directory.
	Env     map[string]string // Environment variables.
}

// Returns true if the step performs an operation.
func (s Step) IsOperation() bool {
	return s.Run != "" || s.Copy != ""
}

// Splits a copy operation into source and destination.
func (s Step) CopyArgs() (src, dest string, ok bool) {
	parts := strings.Fields(s.Copy)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Splits a copy source of the form "parent:path" where parent is one of the
// recipe's parents. Returns false for host sources.
func (r *Recipe) ParentSource(src string) (parent, path string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 {
		return "", "", false
	}

	// A colon after a path separator is not a parent prefix (e.g. "/foo:bar").
	if strings.ContainsRune(src[:i], '/') || !r.HasParent(src[:i]) {
		return "", "", false
	}

	return src[:i], src[i+1:], true
}

// Returns the absolute host path of a host input.
func (r *Recipe) HostPath(in Input) string {
	if filepath.IsAbs(in.From) {
		return in.From
	}
	return filepath.Join(r.Dir, in.From)
}

// Returns true if id is one of the recipe's parents.
func (r *Recipe) HasParent(id string) bool {
	for _, p := range r.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// Position of a recipe declaration within its source.
//
// Line is zero when the source format does not expose positions; Index is the
// 1-based position of the recipe within the file.
type Location struct {
	File  string
	Line  int
	Index int
}

// Formats the location as "file:line" or "file[#index]".
func (l Location) String() string {
	switch {
	case l.File == "":
		return "(unknown)"
	case l.Line > 0:
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	case l.Index > 0:
		return fmt.Sprintf("%s[#%d]", l.File, l.Index)
	default:
		return l.File
	}
}
