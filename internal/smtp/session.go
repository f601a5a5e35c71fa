package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/relaypost/relaypost/internal/email"
	"github.com/relaypost/relaypost/internal/metrics"
	"github.com/relaypost/relaypost/internal/parser"
)

// Session states. The session starts in stateGreeted after the 220
// banner and returns to stateReady at the end of every mail transaction.
const (
	stateGreeted = iota
	stateReady
	stateMailFrom
	stateRcptTo
	stateData
	stateClosed
)

// readTimeout is the per-read inactivity limit; a client silent for
// longer has its session terminated.
const readTimeout = 30 * time.Second

// Enqueuer accepts a completed message for durable queueing. Enqueue
// must persist the message before returning; delivery happens later.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *email.Message) error
}

// Session is the protocol state machine for one accepted connection.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	state    int
	creds    *CredentialStore
	queue    Enqueuer
	hostname string

	requireAuth    bool
	maxMessageSize int64

	authenticated bool
	authUser      string

	tlsConfig *tls.Config
	tlsActive bool

	// Current envelope
	mailFrom string
	rcptTo   []string
}

// SessionConfig carries the per-server settings a session needs.
type SessionConfig struct {
	Hostname       string
	Credentials    *CredentialStore
	Queue          Enqueuer
	RequireAuth    bool
	MaxMessageSize int64
	TLSConfig      *tls.Config
}

// NewSession creates a session for conn. The caller owns the connection
// lifetime; Handle closes it on return.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	return &Session{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		state:          stateGreeted,
		creds:          cfg.Credentials,
		queue:          cfg.Queue,
		hostname:       cfg.Hostname,
		requireAuth:    cfg.RequireAuth,
		maxMessageSize: cfg.MaxMessageSize,
		tlsConfig:      cfg.TLSConfig,
	}
}

// Handle runs the session until the client quits, the connection drops,
// the inactivity timeout fires, or ctx is cancelled. A cancelled session
// performs no further I/O.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP Service ready", s.hostname)

	for s.state != stateClosed {
		line, err := s.readLine(ctx)
		if err != nil {
			return
		}
		if line == "" {
			continue
		}

		s.dispatch(ctx, tokenize(line))
	}
}

// readLine reads one CRLF-terminated line under the inactivity deadline.
func (s *Session) readLine(ctx context.Context) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return "", err
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		if ctx.Err() == nil && err != io.EOF {
			slog.Debug("session read error", "remote", s.conn.RemoteAddr().String(), "error", err)
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// dispatch routes one tokenized command through the state machine.
func (s *Session) dispatch(ctx context.Context, cmd command) {
	switch cmd.verb {
	case verbHelo, verbEhlo:
		s.handleHello(cmd)
	case verbStartTLS:
		s.handleStartTLS()
	case verbAuth:
		s.handleAuth(cmd.arg)
	case verbMail:
		s.handleMail(cmd.arg)
	case verbRcpt:
		s.handleRcpt(cmd.arg)
	case verbData:
		s.handleData(ctx)
	case verbRset:
		s.resetEnvelope()
		s.writeLine("250 OK")
	case verbNoop:
		s.writeLine("250 OK")
	case verbQuit:
		s.writeLine("221 %s closing transmission channel", s.hostname)
		s.state = stateClosed
	case verbUnknown:
		s.writeLine("500 Unrecognized command")
	}
}

// handleHello processes EHLO and HELO: the envelope resets and the
// session moves to Ready. Authentication state survives.
func (s *Session) handleHello(cmd command) {
	if cmd.arg == "" {
		s.writeLine("501 Syntax: %s hostname", strings.ToUpper(cmd.raw))
		return
	}

	s.resetEnvelope()
	s.state = stateReady

	if cmd.verb == verbHelo {
		s.writeLine("250 %s Hello %s", s.hostname, cmd.arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, cmd.arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.creds.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	if s.maxMessageSize > 0 {
		s.writeLine("250-SIZE %d", s.maxMessageSize)
	}
	s.writeLine("250 OK")
}

// handleStartTLS upgrades the connection per RFC 3207 and resets the
// session to its pre-greeting state.
func (s *Session) handleStartTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Error("TLS handshake failed", "remote", s.conn.RemoteAddr().String(), "error", err)
		s.state = stateClosed
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateGreeted
	s.resetEnvelope()
}

// handleAuth runs the AUTH sub-protocol. LOGIN is a two-step base64
// challenge exchange; PLAIN carries both identities in one response.
func (s *Session) handleAuth(arg string) {
	if s.state != stateReady {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	if !s.creds.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}

	parts := strings.SplitN(arg, " ", 2)
	mechanism := strings.ToUpper(parts[0])

	var (
		user string
		err  error
	)
	switch mechanism {
	case "LOGIN":
		user, err = s.authLogin()
	case "PLAIN":
		user, err = s.authPlain(parts)
	default:
		s.writeLine("504 Unrecognized authentication type")
		return
	}

	if err != nil {
		if err == errAuthCancelled {
			s.writeLine("501 Authentication cancelled")
			return
		}
		metrics.AuthenticationAttempts.WithLabelValues("failure").Inc()
		s.writeLine("535 Authentication credentials invalid")
		return
	}

	s.authenticated = true
	s.authUser = user
	metrics.AuthenticationAttempts.WithLabelValues("success").Inc()
	s.writeLine("235 Authentication successful")
}

var errAuthCancelled = fmt.Errorf("authentication cancelled")

// authLogin drives the two-step LOGIN exchange: base64("Username:") and
// base64("Password:") challenges, each answered with a base64 value.
func (s *Session) authLogin() (string, error) {
	s.writeLine("334 VXNlcm5hbWU6")
	encodedUser, err := s.readChallenge()
	if err != nil {
		return "", err
	}

	s.writeLine("334 UGFzc3dvcmQ6")
	encodedPass, err := s.readChallenge()
	if err != nil {
		return "", err
	}

	return s.creds.VerifyLogin(encodedUser, encodedPass)
}

// authPlain verifies inline or challenged AUTH PLAIN credentials.
func (s *Session) authPlain(parts []string) (string, error) {
	var encoded string
	if len(parts) > 1 && parts[1] != "" {
		encoded = parts[1]
	} else {
		// RFC 4954: an empty challenge is "334" plus a single space.
		s.writeLine("334 ")
		line, err := s.readChallenge()
		if err != nil {
			return "", err
		}
		encoded = line
	}
	return s.creds.VerifyPlain(encoded)
}

// readChallenge reads one client response line inside an AUTH exchange.
// A lone "*" cancels the exchange.
func (s *Session) readChallenge() (string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return "", err
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

// handleMail processes MAIL FROM, subject to the authentication gate.
// Sequence errors win over the gate: MAIL before EHLO is 503 even when
// the session would also need to authenticate.
func (s *Session) handleMail(arg string) {
	if s.state != stateReady {
		s.writeLine("503 Bad sequence of commands")
		return
	}
	if s.requireAuth && !s.authenticated {
		s.writeLine("530 Authentication required")
		return
	}

	addr, ok := parseMailPath(arg, "FROM:")
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRcpt appends a recipient; valid after MAIL FROM only.
func (s *Session) handleRcpt(arg string) {
	if s.state != stateMailFrom && s.state != stateRcptTo {
		s.writeLine("503 Bad sequence of commands")
		return
	}

	addr, ok := parseMailPath(arg, "TO:")
	if !ok {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleData switches to DATA mode, accumulates dot-unstuffed content
// lines until the lone-dot terminator, then decodes and enqueues the
// message. The session returns to Ready whether or not the transaction
// succeeded.
func (s *Session) handleData(ctx context.Context) {
	if s.state != stateRcptTo {
		s.writeLine("503 Bad sequence of commands")
		return
	}

	s.state = stateData
	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	var (
		data     strings.Builder
		overflow bool
	)
	for {
		if ctx.Err() != nil {
			s.state = stateClosed
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			s.state = stateClosed
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("read error in DATA mode", "remote", s.conn.RemoteAddr().String(), "error", err)
			}
			s.state = stateClosed
			return
		}

		// A line containing only "." terminates DATA regardless of
		// anything seen before it.
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-unstuffing: a leading ".." becomes ".".
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		if s.maxMessageSize > 0 && int64(data.Len())+int64(len(line)) > s.maxMessageSize {
			overflow = true
			continue
		}
		data.WriteString(line)
	}

	defer func() {
		s.resetEnvelope()
		s.state = stateReady
	}()

	if overflow {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	msg, err := parser.Parse([]byte(data.String()))
	if err != nil {
		slog.Error("message decode failed", "remote", s.conn.RemoteAddr().String(), "error", err)
		s.writeLine("451 Requested action aborted: error in processing")
		return
	}

	// Envelope values win over missing headers.
	if msg.From == "" {
		msg.From = s.mailFrom
	}
	if len(msg.To) == 0 {
		msg.To = s.rcptTo
	}
	msg.ReceivedAt = time.Now().UTC()
	msg.AuthenticatedUser = s.authUser

	if err := s.queue.Enqueue(ctx, msg); err != nil {
		slog.Error("failed to enqueue message",
			"remote", s.conn.RemoteAddr().String(),
			"from", msg.From,
			"error", err,
		)
		s.writeLine("451 Requested action aborted: error in processing")
		return
	}

	metrics.MessagesReceived.Inc()
	slog.Info("message accepted",
		"from", msg.From,
		"recipients", len(msg.Recipients()),
		"size", data.Len(),
		"user", s.authUser,
	)
	s.writeLine("250 OK: Message accepted")
}

// resetEnvelope clears the in-progress mail transaction. Authentication
// state is untouched.
func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state == stateMailFrom || s.state == stateRcptTo {
		s.state = stateReady
	}
}

// writeLine writes one CRLF-terminated reply line.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}
