package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrProtocol    = errors.New("protocol error")
	ErrMalformed   = fmt.Errorf("%w: malformed message", ErrProtocol)
	ErrUnavailable = fmt.Errorf("%w: daemon unavailable", ErrProtocol)
	ErrRemote      = errors.New("daemon error")
)

// Failure reported by the daemon.
type RemoteError struct {
	Kind    string // Error kind, as classified by the daemon.
	Message string // Error message.
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

func (e *RemoteError) Unwrap() error {
	return ErrRemote
}
