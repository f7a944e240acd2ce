package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
)

// Sends requests to a daemon over its Unix socket.
//
// Each call opens its own connection. A client is safe for concurrent use.
type Client struct {
	socket string
	dialer net.Dialer
}

// Creates a client for the daemon listening on socket.
func NewClient(socket string) *Client {
	return &Client{socket: socket}
}

// Builds targets of a project.
//
// The call blocks until the build finishes. Canceling ctx closes the
// connection, which cancels the build on the daemon.
func (c *Client) Build(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
	var result BuildResult
	if err := c.Call(ctx, CmdBuild, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Queries the daemon state.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var result StatusResult
	if err := c.Call(ctx, CmdStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Call(ctx, CmdShutdown, nil, nil)
}

// Performs one exchange.
//
// The request is written, the single response is read, and the connection
// is closed. An error response is returned as a [*RemoteError]. A nil result
// discards the response payload. Failure to connect wraps [ErrUnavailable].
func (c *Client) Call(ctx context.Context, cmd Command, payload, result any) error {
	conn, err := c.dialer.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := Write(conn, cmd, payload); err != nil {
		return c.failed(ctx, err)
	}

	env, raw, err := Read(bufio.NewReader(conn))
	if err != nil {
		return c.failed(ctx, err)
	}

	switch env.Command {
	case CmdOK:
	case CmdError:
		e, err := DecodePayload[ErrorResult](raw)
		if err != nil {
			return err
		}
		return &RemoteError{Kind: e.Kind, Message: e.Message}
	default:
		return fmt.Errorf("%w: unexpected response %q", ErrMalformed, env.Command)
	}

	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

// Prefers ctx's error over the I/O error caused by closing the connection.
func (c *Client) failed(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
