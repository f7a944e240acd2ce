package project

import (
	"errors"
	"fmt"
)

var (
	ErrProject        = errors.New("project error")
	ErrNotFound       = fmt.Errorf("%w: no %s found", ErrProject, FileName)
	ErrInvalidProject = fmt.Errorf("%w: invalid project", ErrProject)
)
