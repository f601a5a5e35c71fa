package smtp

import "strings"

// verb enumerates the SMTP commands the state machine understands.
// Tokenizing into a tagged value keeps dispatch an exhaustive switch
// instead of scattered string comparisons.
type verb int

const (
	verbUnknown verb = iota
	verbHelo
	verbEhlo
	verbAuth
	verbMail
	verbRcpt
	verbData
	verbRset
	verbNoop
	verbQuit
	verbStartTLS
)

// command is one tokenized client line: the recognized verb, its raw
// argument, and the original verb text for error replies.
type command struct {
	verb verb
	arg  string
	raw  string
}

// tokenize splits a client line into a command. The verb match is
// case-insensitive; the argument is passed through untouched.
func tokenize(line string) command {
	parts := strings.SplitN(line, " ", 2)
	raw := parts[0]
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}

	var v verb
	switch strings.ToUpper(raw) {
	case "HELO":
		v = verbHelo
	case "EHLO":
		v = verbEhlo
	case "AUTH":
		v = verbAuth
	case "MAIL":
		v = verbMail
	case "RCPT":
		v = verbRcpt
	case "DATA":
		v = verbData
	case "RSET":
		v = verbRset
	case "NOOP":
		v = verbNoop
	case "QUIT":
		v = verbQuit
	case "STARTTLS":
		v = verbStartTLS
	default:
		v = verbUnknown
	}

	return command{verb: v, arg: arg, raw: raw}
}

// parseMailPath extracts the address from a MAIL FROM or RCPT TO
// argument, e.g. `FROM:<a@x.com>` with prefix `FROM:`. Returns false on
// syntax errors.
func parseMailPath(arg, prefix string) (string, bool) {
	if !strings.HasPrefix(strings.ToUpper(arg), prefix) {
		return "", false
	}
	addr := extractAddress(arg[len(prefix):])
	if addr == "" {
		return "", false
	}
	return addr, true
}

// extractAddress unwraps an SMTP path parameter, accepting both the
// angle-bracket form <user@host> and a bare address. ESMTP parameters
// after the path are ignored.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	// Bare address, possibly followed by ESMTP parameters.
	if idx := strings.IndexByte(s, ' '); idx >= 0 {
		s = s[:idx]
	}
	return s
}
