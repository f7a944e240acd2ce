package server

import (
	"errors"
	"fmt"
)

var (
	ErrServer         = errors.New("server error")
	ErrInvalidRequest = fmt.Errorf("%w: invalid request", ErrServer)
)
