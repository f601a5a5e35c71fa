// Package ses implements a Provider that sends messages via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/relaypost/relaypost/internal/email"
)

// Config holds the settings for creating a SES provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the message From address when set; SES requires
	// a verified identity.
	Sender string
}

// Provider sends messages through the AWS SES v2 API. Each Send is a
// single API call; the delivery queue decides whether a failure is
// retried.
type Provider struct {
	sender string
	client SendEmailAPI
}

// SendEmailAPI is the slice of the SES v2 client used here. It exists so
// tests can substitute a mock.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider with the given configuration.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Provider{
		sender: cfg.Sender,
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender: sender,
		client: client,
	}
}

// Send delivers one message via SES v2. Messages with attachments are
// sent as raw MIME; plain messages use the simple content format.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	var input *sesv2.SendEmailInput

	if len(msg.Attachments) > 0 {
		raw, err := buildRawMessage(p.from(msg), msg)
		if err != nil {
			return fmt.Errorf("failed to build raw message: %w", err)
		}
		input = &sesv2.SendEmailInput{
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = p.buildSimpleInput(msg)
	}

	if _, err := p.client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("SES API request failed: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func (p *Provider) from(msg *email.Message) string {
	if p.sender != "" {
		return p.sender
	}
	return msg.From
}

// buildSimpleInput creates a SendEmailInput for messages without
// attachments.
func (p *Provider) buildSimpleInput(msg *email.Message) *sesv2.SendEmailInput {
	body := &types.Body{}
	content := &types.Content{
		Data:    aws.String(msg.Body),
		Charset: aws.String("UTF-8"),
	}
	if msg.IsHtml {
		body.Html = content
	} else {
		body.Text = content
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.from(msg)),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// buildRawMessage constructs a raw MIME message for messages carrying
// attachments.
func buildRawMessage(sender string, msg *email.Message) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	bodyHeader := make(textproto.MIMEHeader)
	if msg.IsHtml {
		bodyHeader.Set("Content-Type", "text/html; charset=UTF-8")
	} else {
		bodyHeader.Set("Content-Type", "text/plain; charset=UTF-8")
	}
	part, err := writer.CreatePart(bodyHeader)
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	part.Write([]byte(msg.Body))

	for _, att := range msg.Attachments {
		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", att.ContentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")

		disposition := "attachment"
		if att.Inline {
			disposition = "inline"
		}
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("%s; filename=%s", disposition, mime.QEncoding.Encode("UTF-8", att.Filename)))
		if att.ContentID != "" {
			attHeader.Set("Content-Id", "<"+att.ContentID+">")
		}

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		part.Write([]byte(encodeBase64WithLineBreaks(att.Content)))
	}

	writer.Close()
	return buf.Bytes(), nil
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character
// lines per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}
