package smtp

import "testing"

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		want    verb
		wantArg string
	}{
		{"EHLO client.example", verbEhlo, "client.example"},
		{"helo client.example", verbHelo, "client.example"},
		{"MAIL FROM:<a@x.com>", verbMail, "FROM:<a@x.com>"},
		{"rcpt TO:<b@y.com>", verbRcpt, "TO:<b@y.com>"},
		{"DATA", verbData, ""},
		{"RSET", verbRset, ""},
		{"NOOP", verbNoop, ""},
		{"QUIT", verbQuit, ""},
		{"AUTH LOGIN", verbAuth, "LOGIN"},
		{"STARTTLS", verbStartTLS, ""},
		{"VRFY someone", verbUnknown, "someone"},
		{"", verbUnknown, ""},
	}

	for _, tt := range tests {
		cmd := tokenize(tt.line)
		if cmd.verb != tt.want {
			t.Errorf("tokenize(%q).verb: got %d, want %d", tt.line, cmd.verb, tt.want)
		}
		if cmd.arg != tt.wantArg {
			t.Errorf("tokenize(%q).arg: got %q, want %q", tt.line, cmd.arg, tt.wantArg)
		}
	}
}

func TestParseMailPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg    string
		prefix string
		want   string
		wantOK bool
	}{
		{"FROM:<a@x.com>", "FROM:", "a@x.com", true},
		{"from:<a@x.com>", "FROM:", "a@x.com", true},
		{"FROM: <a@x.com>", "FROM:", "a@x.com", true},
		{"FROM:a@x.com", "FROM:", "a@x.com", true},
		{"FROM:<a@x.com> SIZE=1000", "FROM:", "a@x.com", true},
		{"FROM:a@x.com BODY=8BITMIME", "FROM:", "a@x.com", true},
		{"TO:<b@y.com>", "TO:", "b@y.com", true},
		{"FROM:<broken", "FROM:", "", false},
		{"FROM:", "FROM:", "", false},
		{"<a@x.com>", "FROM:", "", false},
	}

	for _, tt := range tests {
		got, ok := parseMailPath(tt.arg, tt.prefix)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("parseMailPath(%q, %q): got (%q, %v), want (%q, %v)",
				tt.arg, tt.prefix, got, ok, tt.want, tt.wantOK)
		}
	}
}
