package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/cruciblehq/kiln/internal/pipeline"
)

// Largest message accepted from the peer.
const MaxMessageSize = 64 << 20

// Name of a request or response.
type Command string

const (
	CmdBuild    Command = "build"    // Build targets of a project.
	CmdStatus   Command = "status"   // Report daemon state.
	CmdShutdown Command = "shutdown" // Stop the daemon.
	CmdOK       Command = "ok"       // Successful response.
	CmdError    Command = "error"    // Failed response; payload is an [ErrorResult].
)

// Wire form of every message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload of a build request.
//
// Unset fields keep the values of the project file.
type BuildRequest struct {
	Project string   `json:"project"`            // Absolute path of the project file.
	Targets []string `json:"targets,omitempty"`  // Target names. Empty builds every target.
	NoImage bool     `json:"no_image,omitempty"` // Build layers only.
	Bundle  bool     `json:"bundle,omitempty"`   // Also write update bundles.
	Slot    string   `json:"slot,omitempty"`     // Slot receiving the root filesystem.
	Workers int      `json:"workers,omitempty"`  // Concurrent layer builds.
}

// Payload of a build response.
type BuildResult struct {
	Report *pipeline.Report `json:"report"`
}

// Payload of a status response.
type StatusResult struct {
	Running bool   `json:"running"`
	Version string `json:"version"`
	Pid     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Builds  int    `json:"builds"` // Build requests completed since start.
	Active  int    `json:"active"` // Build requests in progress.
}

// Payload of an error response.
type ErrorResult struct {
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// Encodes a message. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return data, nil
}

// Decodes a message, returning its envelope and raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(data), &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into T. A missing payload yields the zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &v, nil
}

// Writes one newline-terminated message.
func Write(w io.Writer, cmd Command, payload any) error {
	data, err := Encode(cmd, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

// Reads one newline-terminated message.
//
// A message longer than [MaxMessageSize] fails with [ErrMalformed]. A final
// message without a newline is accepted.
func Read(r *bufio.Reader) (*Envelope, json.RawMessage, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxMessageSize {
			return nil, nil, fmt.Errorf("%w: message exceeds %d bytes", ErrMalformed, MaxMessageSize)
		}
		if err == nil {
			break
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(bytes.TrimSpace(line)) > 0 {
			break
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return Decode(line)
}
