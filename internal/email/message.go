// Package email defines the message data model shared by the SMTP
// front-end, the MIME decoder, and the delivery queue.
package email

import "time"

// Message is one mail message as accepted over SMTP. It is built once
// when a DATA transaction completes and never mutated afterwards; the
// delivery queue serializes it as-is.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string
	IsHtml      bool
	Attachments []Attachment
	RawHeaders  map[string][]string

	// ReceivedAt is when the DATA terminator was accepted.
	ReceivedAt time.Time

	// AuthenticatedUser is the AUTH identity of the submitting session,
	// or empty if the session never authenticated.
	AuthenticatedUser string
}

// Attachment is a file carried by a Message. Inline attachments keep
// their Content-Id so HTML bodies can reference them by cid.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
	Size        int64
	Inline      bool
	ContentID   string
}

// Recipients returns To, Cc and Bcc flattened in that order.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	out = append(out, m.To...)
	out = append(out, m.Cc...)
	out = append(out, m.Bcc...)
	return out
}
