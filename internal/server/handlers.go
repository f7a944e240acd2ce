package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cruciblehq/kiln/internal"
	"github.com/cruciblehq/kiln/internal/protocol"
)

// Handles a build command.
//
// Builds the requested targets of a project. A report with failed targets
// is still an ok response; only requests that never reach the pipeline, or
// whose client went away, produce errors.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respondError(conn, err)
		return
	}

	s.mu.Lock()
	s.active++
	s.mu.Unlock()

	report, err := s.builder.Build(ctx, req)

	s.mu.Lock()
	s.active--
	s.builds++
	s.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			slog.Info("build canceled by client", "project", req.Project)
		}
		s.respondError(conn, err)
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{Report: report})
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds, active := s.builds, s.active
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
		Active:  active,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
