// Package control implements the local control channel used by the
// configuration UI to drive flow control: a line-based request/response
// protocol, one command per connection.
package control

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// commandTimeout bounds how long a control connection may take to send
// its single command.
const commandTimeout = 5 * time.Second

// FlowController is the slice of the SMTP server the control channel
// drives.
type FlowController interface {
	Halt()
	Resume()
	Flowing() bool
}

// Server answers control commands on a local listening socket. Each
// connection carries exactly one command and one response.
type Server struct {
	addr     string
	flow     FlowController
	listener net.Listener
}

// New creates a control Server driving flow. The address should be a
// loopback endpoint; the protocol has no authentication.
func New(addr string, flow FlowController) *Server {
	return &Server{addr: addr, flow: flow}
}

// ListenAndServe binds the control socket and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind control socket %s: %w", s.addr, err)
	}
	s.listener = ln

	slog.Info("control channel listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("control accept error", "error", err)
				continue
			}
		}
		go s.handle(conn)
	}
}

// Addr returns the bound address, or "" before binding.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handle serves one connection: read a command line, write the response,
// close.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(commandTimeout)); err != nil {
		return
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		slog.Debug("control read error", "error", err)
		return
	}
	cmd := strings.TrimSpace(line)

	response := s.execute(cmd)
	if _, err := fmt.Fprintf(conn, "%s\n", response); err != nil {
		slog.Debug("control write error", "error", err)
	}
}

// execute maps one command to its response, applying side effects on the
// flow controller.
func (s *Server) execute(cmd string) string {
	switch strings.ToUpper(cmd) {
	case "HALT":
		s.flow.Halt()
		return "OK|HALTED"
	case "RESUME":
		s.flow.Resume()
		return "OK|FLOWING"
	case "STATUS":
		if s.flow.Flowing() {
			return "OK|FLOWING"
		}
		return "OK|HALTED"
	case "PING":
		return "OK|PONG"
	default:
		return "ERROR|Unknown command: " + cmd
	}
}
