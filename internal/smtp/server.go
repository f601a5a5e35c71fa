package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaypost/relaypost/internal/metrics"
)

// shutdownTimeout is the maximum time Stop waits for session goroutines
// after their sockets have been force-closed.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for the SMTP listener.
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. "0.0.0.0:2525".
	ListenAddr string

	// Hostname appears in the 220 banner and EHLO replies.
	Hostname string

	// Credentials backs the AUTH sub-protocol.
	Credentials *CredentialStore

	// Queue receives completed messages.
	Queue Enqueuer

	// RequireAuth rejects MAIL FROM until the session authenticates.
	RequireAuth bool

	// MaxMessageSize caps DATA content; 0 disables the limit.
	MaxMessageSize int64

	// MaxConnections caps concurrent sessions; 0 means unbounded.
	MaxConnections int

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// FlowEnabled is the initial flow-control state. When false the
	// server starts halted and rejects every connection with 421.
	FlowEnabled bool
}

// activeConn is one registry entry: enough to identify a live session
// and to tear it down from Halt.
type activeConn struct {
	conn      net.Conn
	remote    string
	startedAt time.Time
	cancel    context.CancelFunc
}

// Server owns the listening socket, the active-connection registry, and
// the flow-control flag. Each accepted connection runs one Session on
// its own goroutine.
type Server struct {
	config      ServerConfig
	listener    net.Listener
	flowEnabled atomic.Bool

	mu     sync.Mutex
	active map[uint64]*activeConn
	nextID uint64

	// wg tracks session goroutines for shutdown.
	wg sync.WaitGroup
}

// New creates a Server. It does not bind until ListenAndServe.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Credentials == nil {
		cfg.Credentials = NewCredentialStore(nil)
	}

	s := &Server{
		config: cfg,
		active: make(map[uint64]*activeConn),
	}
	s.flowEnabled.Store(cfg.FlowEnabled)
	return s
}

// ListenAndServe binds the listener and runs the accept loop until ctx
// is cancelled. A bind failure is returned immediately; the server never
// retries binding.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_required", s.config.RequireAuth,
		"tls_enabled", s.config.TLSConfig != nil,
		"flow_enabled", s.flowEnabled.Load(),
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Listener closed during shutdown.
				s.Halt()
				s.waitForSessions()
				return nil
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		if !s.flowEnabled.Load() {
			s.reject(conn, "flow_halted")
			continue
		}
		if s.config.MaxConnections > 0 && s.activeCount() >= s.config.MaxConnections {
			s.reject(conn, "connection_limit")
			continue
		}

		s.startSession(ctx, conn)
	}
}

// reject answers a connection that never becomes a session.
func (s *Server) reject(conn net.Conn, reason string) {
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	fmt.Fprintf(conn, "421 Service not available, closing transmission channel\r\n")
	conn.Close()
}

// startSession registers the connection and spawns its handler. The
// registry entry outlives the handler and is removed only after the
// handler has fully exited.
func (s *Server) startSession(parent context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(parent)

	entry := &activeConn{
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		startedAt: time.Now(),
		cancel:    cancel,
	}

	s.mu.Lock()
	// Halt flips the flag before clearing the registry under this same
	// lock; re-checking here means a connection past the accept-loop
	// check either registers before the sweep or is rejected.
	if !s.flowEnabled.Load() {
		s.mu.Unlock()
		cancel()
		s.reject(conn, "flow_halted")
		return
	}
	s.nextID++
	id := s.nextID
	s.active[id] = entry
	s.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsCurrent.Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.active, id)
			s.mu.Unlock()
			metrics.ConnectionsCurrent.Dec()
		}()

		session := NewSession(conn, SessionConfig{
			Hostname:       s.config.Hostname,
			Credentials:    s.config.Credentials,
			Queue:          s.config.Queue,
			RequireAuth:    s.config.RequireAuth,
			MaxMessageSize: s.config.MaxMessageSize,
			TLSConfig:      s.config.TLSConfig,
		})
		session.Handle(ctx)
	}()
}

// Halt disables flow control and tears down every live session: each
// registry entry is cancelled and its socket force-closed. The listener
// keeps accepting, rejecting every new connection with 421 until Resume.
func (s *Server) Halt() {
	s.flowEnabled.Store(false)

	s.mu.Lock()
	entries := make([]*activeConn, 0, len(s.active))
	for _, e := range s.active {
		entries = append(entries, e)
	}
	s.active = make(map[uint64]*activeConn)
	s.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		e.conn.Close()
		slog.Info("session force-closed by halt",
			"remote", e.remote,
			"duration", time.Since(e.startedAt).Round(time.Millisecond).String(),
		)
	}

	if len(entries) > 0 {
		slog.Warn("SMTP flow halted", "closed_sessions", len(entries))
	} else {
		slog.Info("SMTP flow halted")
	}
}

// Resume re-enables flow control. Connections rejected while halted are
// not revisited.
func (s *Server) Resume() {
	s.flowEnabled.Store(true)
	slog.Info("SMTP flow resumed")
}

// Flowing reports the current flow-control state.
func (s *Server) Flowing() bool {
	return s.flowEnabled.Load()
}

// Stop halts all sessions and closes the listener.
func (s *Server) Stop() {
	s.Halt()
	if s.listener != nil {
		s.listener.Close()
	}
}

// ActiveConnections returns the remote endpoints of live sessions.
func (s *Server) ActiveConnections() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for _, e := range s.active {
		out = append(out, e.remote)
	}
	return out
}

func (s *Server) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Addr returns the bound listener address, or "" before binding.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// waitForSessions waits for session goroutines to finish, bounded by
// shutdownTimeout.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}
