package resolve

import (
	"errors"
	"strings"

	"github.com/cruciblehq/kiln/internal/recipe"
)

var (
	ErrResolve          = errors.New("resolve error")
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrMissingParent    = errors.New("missing parent")
)

// Reports a dependency cycle. Path starts and ends with the same recipe.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return ErrCyclicDependency.Error() + ": " + strings.Join(e.Path, " -> ")
}

func (e *CycleError) Unwrap() []error {
	return []error{ErrResolve, ErrCyclicDependency}
}

// Reports a reference to a recipe that was never loaded. Chain runs from the
// target root to the missing identifier.
type MissingError struct {
	Chain []string
}

// Returns the identifier that could not be found.
func (e *MissingError) Missing() string {
	return e.Chain[len(e.Chain)-1]
}

func (e *MissingError) Error() string {
	return ErrMissingParent.Error() + " " + quote(e.Missing()) + ": " + strings.Join(e.Chain, " -> ")
}

func (e *MissingError) Unwrap() []error {
	return []error{ErrResolve, ErrMissingParent, recipe.ErrUnresolvedReference}
}

func quote(s string) string {
	return `"` + s + `"`
}
