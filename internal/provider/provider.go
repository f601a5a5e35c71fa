// Package provider defines the delivery adapter contract: one structured
// message in, success or failure out. Retry, backoff, and dead-lettering
// live in the queue, not here.
package provider

import (
	"context"

	"github.com/relaypost/relaypost/internal/email"
)

// Provider is a cloud mail-delivery backend. The queue consumer invokes
// Send once per delivery attempt.
type Provider interface {
	// Send delivers one message. A non-nil error counts as a failed
	// attempt against the item's retry budget.
	Send(ctx context.Context, msg *email.Message) error

	// Name identifies this provider in logs and metrics.
	Name() string
}
