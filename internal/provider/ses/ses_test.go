package ses

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/relaypost/relaypost/internal/email"
	"github.com/relaypost/relaypost/internal/provider"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient("sender@example.com", &mockSESClient{})
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSend_SimpleTextMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("", mock)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      []string{"to@example.com"},
		Subject: "Test Subject",
		Body:    "Hello, World!",
	}

	err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Simple == nil {
		t.Fatal("expected simple email content, got nil")
	}
	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if got := *input.Content.Simple.Subject.Data; got != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", got, "Test Subject")
	}
	if got := *input.Content.Simple.Body.Text.Data; got != "Hello, World!" {
		t.Errorf("text body: got %q, want %q", got, "Hello, World!")
	}
	if input.Content.Simple.Body.Html != nil {
		t.Error("expected no HTML body")
	}
}

func TestSend_SimpleHtmlMessage(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("", mock)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      []string{"to@example.com"},
		Subject: "HTML Test",
		Body:    "<h1>Hello</h1>",
		IsHtml:  true,
	}

	err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Simple.Body.Html == nil {
		t.Fatal("expected HTML body")
	}
	if got := *input.Content.Simple.Body.Html.Data; got != "<h1>Hello</h1>" {
		t.Errorf("HTML body: got %q, want %q", got, "<h1>Hello</h1>")
	}
	if input.Content.Simple.Body.Text != nil {
		t.Error("expected no text body when message is HTML")
	}
}

func TestSend_SenderOverride(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("verified@example.com", mock)

	msg := &email.Message{
		From:    "someone-else@example.com",
		To:      []string{"to@example.com"},
		Subject: "Override",
		Body:    "Hello",
	}

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := *mock.lastInput.FromEmailAddress; got != "verified@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "verified@example.com")
	}
}

func TestSend_WithRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("sender@example.com", mock)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      []string{"to1@example.com", "to2@example.com"},
		Cc:      []string{"cc@example.com"},
		Bcc:     []string{"bcc@example.com"},
		Subject: "Multi-recipient",
		Body:    "Hello",
	}

	err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dest := mock.lastInput.Destination
	if len(dest.ToAddresses) != 2 {
		t.Errorf("ToAddresses: got %d, want 2", len(dest.ToAddresses))
	}
	if len(dest.CcAddresses) != 1 {
		t.Errorf("CcAddresses: got %d, want 1", len(dest.CcAddresses))
	}
	if len(dest.BccAddresses) != 1 {
		t.Errorf("BccAddresses: got %d, want 1", len(dest.BccAddresses))
	}
}

func TestSend_WithAttachments(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient("sender@example.com", mock)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      []string{"to@example.com"},
		Subject: "With Attachment",
		Body:    "See attachment",
		Attachments: []email.Attachment{
			{
				Filename:    "test.txt",
				ContentType: "text/plain",
				Content:     []byte("file content"),
			},
		},
	}

	err := p.Send(context.Background(), msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw email content for attachment, got nil")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content when using raw message")
	}

	rawStr := string(input.Content.Raw.Data)
	if !strings.Contains(rawStr, "From: sender@example.com") {
		t.Error("raw message missing From header")
	}
	if !strings.Contains(rawStr, "To: to@example.com") {
		t.Error("raw message missing To header")
	}
	if !strings.Contains(rawStr, "Subject: With Attachment") {
		t.Error("raw message missing Subject header")
	}
	if !strings.Contains(rawStr, "multipart/mixed") {
		t.Error("raw message missing multipart/mixed content type")
	}
	if !strings.Contains(rawStr, "text/plain") {
		t.Error("raw message missing text body content type")
	}
	if !strings.Contains(rawStr, "test.txt") {
		t.Error("raw message missing attachment filename")
	}
}

func TestSend_APIError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("throttled")
		},
	}
	p := NewWithClient("sender@example.com", mock)

	msg := &email.Message{
		From:    "sender@example.com",
		To:      []string{"to@example.com"},
		Subject: "Fail Test",
		Body:    "Hello",
	}

	err := p.Send(context.Background(), msg)
	if err == nil {
		t.Fatal("expected error from failed API call")
	}
	// A single failed attempt is reported as is; the delivery queue
	// owns retry scheduling.
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
	if !strings.Contains(err.Error(), "throttled") {
		t.Errorf("error message: got %q, want wrapped API error", err.Error())
	}
}

func TestBuildSimpleInput(t *testing.T) {
	t.Parallel()

	p := NewWithClient("sender@example.com", &mockSESClient{})
	msg := &email.Message{
		To:      []string{"to@example.com"},
		Cc:      []string{"cc@example.com"},
		Bcc:     []string{"bcc@example.com"},
		Subject: "Test",
		Body:    "<p>html</p>",
		IsHtml:  true,
	}

	input := p.buildSimpleInput(msg)

	if got := *input.FromEmailAddress; got != "sender@example.com" {
		t.Errorf("FromEmailAddress: got %q, want %q", got, "sender@example.com")
	}
	if input.Content.Simple.Body.Html == nil {
		t.Fatal("expected HTML body")
	}
	if got := *input.Content.Simple.Body.Html.Charset; got != "UTF-8" {
		t.Errorf("HTML charset: got %q, want %q", got, "UTF-8")
	}
}

func TestBuildRawMessage(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		To:      []string{"to@example.com"},
		Cc:      []string{"cc@example.com"},
		Subject: "Raw Test",
		Body:    "text body",
		Attachments: []email.Attachment{
			{
				Filename:    "doc.pdf",
				ContentType: "application/pdf",
				Content:     []byte("pdf content"),
			},
		},
	}

	raw, err := buildRawMessage("sender@example.com", msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rawStr := string(raw)
	checks := []struct {
		name     string
		contains string
	}{
		{"From header", "From: sender@example.com"},
		{"To header", "To: to@example.com"},
		{"Cc header", "Cc: cc@example.com"},
		{"Subject header", "Subject: Raw Test"},
		{"MIME-Version", "MIME-Version: 1.0"},
		{"multipart boundary", "multipart/mixed"},
		{"body content type", "text/plain"},
		{"attachment content type", "application/pdf"},
		{"attachment filename", "doc.pdf"},
		{"base64 encoding", "Content-Transfer-Encoding: base64"},
	}

	for _, check := range checks {
		if !strings.Contains(rawStr, check.contains) {
			t.Errorf("raw message missing %s: expected to contain %q", check.name, check.contains)
		}
	}
}

func TestBuildRawMessage_HtmlBody(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		To:      []string{"to@example.com"},
		Subject: "HTML Raw",
		Body:    "<h1>Hello</h1>",
		IsHtml:  true,
		Attachments: []email.Attachment{
			{Filename: "a.txt", ContentType: "text/plain", Content: []byte("x")},
		},
	}

	raw, err := buildRawMessage("sender@example.com", msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(string(raw), "text/html") {
		t.Error("expected text/html content type for HTML body")
	}
}

func TestBuildRawMessage_InlineAttachment(t *testing.T) {
	t.Parallel()

	msg := &email.Message{
		To:      []string{"to@example.com"},
		Subject: "Inline",
		Body:    `<img src="cid:logo">`,
		IsHtml:  true,
		Attachments: []email.Attachment{
			{
				Filename:    "logo.png",
				ContentType: "image/png",
				Content:     []byte{0x89, 0x50, 0x4e, 0x47},
				Inline:      true,
				ContentID:   "logo",
			},
		},
	}

	raw, err := buildRawMessage("sender@example.com", msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rawStr := string(raw)
	if !strings.Contains(rawStr, "Content-Disposition: inline") {
		t.Error("expected inline disposition")
	}
	if !strings.Contains(rawStr, "Content-Id: <logo>") {
		t.Error("expected Content-Id header for inline attachment")
	}
}

func TestEncodeBase64WithLineBreaks(t *testing.T) {
	t.Parallel()

	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}

	encoded := encodeBase64WithLineBreaks(data)
	lines := strings.Split(encoded, "\r\n")
	for i, line := range lines {
		if i < len(lines)-1 && len(line) != 76 {
			t.Errorf("line %d length: got %d, want 76", i, len(line))
		}
		if len(line) > 76 {
			t.Errorf("line %d exceeds 76 chars: got %d", i, len(line))
		}
	}
}

func TestProviderInterface(t *testing.T) {
	t.Parallel()

	var _ provider.Provider = (*Provider)(nil)
}
