// Package parser decodes raw DATA-mode bytes into a structured message:
// RFC 5322 headers, text and HTML bodies, and MIME attachments.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/relaypost/relaypost/internal/email"
)

// Parse decodes a raw RFC 5322 message into a Message. It never fails on
// malformed input: any structural problem (unparseable headers, broken
// multipart framing) degrades to treating the entire buffer as a plain
// text body. The returned error is non-nil only if even that fallback
// could not be produced.
func Parse(raw []byte) (msg *email.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("message decode panicked: %v", r)
		}
	}()

	parsed, perr := mail.ReadMessage(bytes.NewReader(raw))
	if perr != nil {
		slog.Warn("unparseable message headers, falling back to plain text",
			"error", perr,
		)
		return fallback(raw), nil
	}

	result := &email.Message{
		RawHeaders: make(map[string][]string, len(parsed.Header)),
	}
	for key, values := range parsed.Header {
		result.RawHeaders[key] = values
	}

	result.From = parseAddress(parsed.Header.Get("From"))
	result.Subject = decodeHeader(parsed.Header.Get("Subject"))
	result.To = parseAddressList(parsed.Header.Get("To"))
	result.Cc = parseAddressList(parsed.Header.Get("Cc"))
	result.Bcc = parseAddressList(parsed.Header.Get("Bcc"))

	bodies := &bodyParts{}

	contentType := parsed.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, merr := mime.ParseMediaType(contentType)
	if merr != nil {
		slog.Warn("unparseable content type, treating body as plain text",
			"content_type", contentType,
			"error", merr,
		)
		mediaType, params = "text/plain", nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			slog.Warn("multipart message missing boundary, falling back to plain text")
			return fallback(raw), nil
		}
		if err := parseMultipart(parsed.Body, boundary, result, bodies); err != nil {
			slog.Warn("broken multipart framing, falling back to plain text",
				"error", err,
			)
			return fallback(raw), nil
		}
		// A walk that found neither bodies nor attachments means the
		// declared boundary never matched; treat that as structural
		// failure too.
		if bodies.text == "" && bodies.html == "" && len(result.Attachments) == 0 {
			slog.Warn("multipart boundary matched no parts, falling back to plain text")
			return fallback(raw), nil
		}
	} else {
		body, rerr := io.ReadAll(parsed.Body)
		if rerr != nil {
			return fallback(raw), nil
		}
		body = decodeTransferEncoding(body, parsed.Header.Get("Content-Transfer-Encoding"))
		if mediaType == "text/html" {
			bodies.html = string(body)
		} else {
			bodies.text = string(body)
		}
	}

	bodies.apply(result)
	return result, nil
}

// bodyParts collects text and HTML candidates while walking MIME parts.
// HTML wins when both are present.
type bodyParts struct {
	text string
	html string
}

func (b *bodyParts) apply(msg *email.Message) {
	if b.html != "" {
		msg.Body = b.html
		msg.IsHtml = true
		return
	}
	msg.Body = b.text
}

// fallback builds the degraded interpretation of raw input: the entire
// buffer becomes a plain text body. The header block stays in the body
// on purpose; with no parseable headers it would otherwise be lost.
func fallback(raw []byte) *email.Message {
	return &email.Message{
		Body:       string(raw),
		RawHeaders: map[string][]string{},
	}
}

// parseMultipart walks the parts delimited by boundary, classifying each
// as body text, HTML, attachment, or a nested multipart to recurse into.
func parseMultipart(body io.Reader, boundary string, result *email.Message, bodies *bodyParts) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("unparseable part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				return fmt.Errorf("nested multipart missing boundary")
			}
			if err := parseMultipart(part, nestedBoundary, result, bodies); err != nil {
				return err
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content, skipping",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition, dispParams, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		filename := extractFilename(part, params, dispParams)

		switch {
		case disposition == "attachment" || disposition == "inline":
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
				Size:        int64(len(content)),
				Inline:      disposition == "inline",
				ContentID:   strings.Trim(part.Header.Get("Content-Id"), "<>"),
			})

		case mediaType == "text/plain":
			if bodies.text == "" {
				bodies.text = string(content)
			}

		case mediaType == "text/html":
			if bodies.html == "" {
				bodies.html = string(content)
			}

		case filename != "":
			// No disposition, but a named part is still an attachment.
			result.Attachments = append(result.Attachments, email.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Content:     content,
				Size:        int64(len(content)),
			})

		default:
			slog.Warn("unrecognized MIME part, skipping",
				"content_type", mediaType,
			)
		}
	}

	return nil
}

// readPartContent reads a MIME part and reverses its
// Content-Transfer-Encoding. mime/multipart decodes quoted-printable
// transparently; base64 is handled here.
func readPartContent(part *multipart.Part) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")))

	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	if encoding == "base64" {
		return decodeBase64(raw)
	}
	return raw, nil
}

// decodeTransferEncoding reverses the Content-Transfer-Encoding of a
// top-level (non-multipart) body. Unknown encodings pass through.
func decodeTransferEncoding(raw []byte, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded, err := decodeBase64(raw)
		if err != nil {
			return raw
		}
		return decoded
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return raw
		}
		return decoded
	default:
		// 7bit, 8bit, binary, absent
		return raw
	}
}

func decodeBase64(raw []byte) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Retry without padding for sloppy encoders.
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename returns the part's file name from Content-Disposition,
// the Content-Type name parameter, or the multipart helper, in that order.
func extractFilename(part *multipart.Part, ctParams, dispParams map[string]string) string {
	if fn, ok := dispParams["filename"]; ok && fn != "" {
		return decodeHeader(fn)
	}
	if fn := part.FileName(); fn != "" {
		return decodeHeader(fn)
	}
	if name, ok := ctParams["name"]; ok && name != "" {
		return decodeHeader(name)
	}
	return ""
}

// decodeHeader decodes RFC 2047 encoded-words, returning the input
// unchanged when it is not encoded or cannot be decoded.
func decodeHeader(value string) string {
	dec := &mime.WordDecoder{}
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseAddress extracts the bare address from a From-style header value,
// falling back to the trimmed raw value when it is not RFC 5322 clean.
func parseAddress(raw string) string {
	if raw == "" {
		return ""
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return addr.Address
}

// parseAddressList splits a comma-separated address list into bare
// addresses, degrading to a simple comma split on parse failure.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
