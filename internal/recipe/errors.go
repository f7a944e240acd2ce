package recipe

import (
	"errors"
	"fmt"
)

var (
	ErrRecipe              = errors.New("recipe error")
	ErrMalformedRecipe     = fmt.Errorf("%w: malformed recipe", ErrRecipe)
	ErrDuplicateIdentifier = fmt.Errorf("%w: duplicate identifier", ErrRecipe)
	ErrUnresolvedReference = fmt.Errorf("%w: unresolved reference", ErrRecipe)
)

// Configuration fault in a recipe source.
//
// Kind is one of the sentinel errors above; Err is the underlying cause when
// one exists (a decode error, for example).
type Error struct {
	Kind     error
	Location Location
	ID       string
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Location, e.Kind)
	if e.ID != "" {
		msg += fmt.Sprintf(" %q", e.ID)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func malformed(loc Location, id, format string, args ...any) error {
	return &Error{Kind: ErrMalformedRecipe, Location: loc, ID: id, Msg: fmt.Sprintf(format, args...)}
}
