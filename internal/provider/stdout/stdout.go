// Package stdout implements a Provider that prints messages to standard
// output, for development and tests.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/relaypost/relaypost/internal/email"
)

// Provider prints messages in a human-readable format and always
// succeeds.
type Provider struct {
	writer io.Writer
}

// New creates a Provider writing to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a Provider writing to w, useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the message.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", msg.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(msg.To, ", "))

	if len(msg.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(msg.Cc, ", "))
	}
	if msg.AuthenticatedUser != "" {
		fmt.Fprintf(&b, "Authenticated-User: %s\n", msg.AuthenticatedUser)
	}

	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if msg.IsHtml {
		b.WriteString("Body (html):\n")
	} else {
		b.WriteString("Body:\n")
	}
	b.WriteString(msg.Body + "\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(len(att.Content))))
		}
		fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(attachments, ", "))
	}

	b.WriteString("========================================\n")

	// Write errors are swallowed; this provider conceptually always
	// succeeds.
	fmt.Fprint(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
