// Package smtp implements the SMTP front-end: the listener with halt and
// resume flow control, the per-connection protocol state machine, and the
// credential store used by AUTH.
package smtp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
)

// Credential is one username/password pair accepted by AUTH.
type Credential struct {
	Username string
	Password string
}

// CredentialStore holds the configured credential set. The set is
// immutable once published; Replace swaps it wholesale so concurrent
// sessions never observe a partial update.
type CredentialStore struct {
	users atomic.Pointer[map[string]string]
}

// NewCredentialStore creates a store holding the given credentials.
// An empty list produces a store with authentication disabled.
func NewCredentialStore(creds []Credential) *CredentialStore {
	s := &CredentialStore{}
	s.Replace(creds)
	return s
}

// Replace atomically swaps the credential set, typically after a
// configuration reload.
func (s *CredentialStore) Replace(creds []Credential) {
	users := make(map[string]string, len(creds))
	for _, c := range creds {
		users[c.Username] = c.Password
	}
	s.users.Store(&users)
}

// Enabled reports whether any credentials are configured.
func (s *CredentialStore) Enabled() bool {
	return len(*s.users.Load()) > 0
}

// Verify checks a cleartext username/password pair.
func (s *CredentialStore) Verify(username, password string) bool {
	pass, ok := (*s.users.Load())[username]
	return ok && pass == password
}

// VerifyLogin verifies the base64-encoded username and password collected
// by the AUTH LOGIN sub-exchange, returning the authenticated identity.
func (s *CredentialStore) VerifyLogin(encodedUser, encodedPass string) (string, error) {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return "", fmt.Errorf("invalid base64 username")
	}

	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return "", fmt.Errorf("invalid base64 password")
	}

	if !s.Verify(string(user), string(pass)) {
		return "", fmt.Errorf("authentication failed")
	}
	return string(user), nil
}

// VerifyPlain verifies an AUTH PLAIN response, base64(\0user\0pass),
// returning the authenticated identity.
func (s *CredentialStore) VerifyPlain(encoded string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding")
	}

	// authzid\0authcid\0password; the authorization identity is ignored.
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid AUTH PLAIN format")
	}

	if !s.Verify(parts[1], parts[2]) {
		return "", fmt.Errorf("authentication failed")
	}
	return parts[1], nil
}
