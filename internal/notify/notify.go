// Package notify delivers fire-and-forget messages to managers and the
// operator. Delivery failures are reported to the caller for logging but
// must never block or abort the pipeline that triggered them.
package notify

import "context"

// Notifier sends one message to one recipient.
type Notifier interface {
	// Notify delivers text to the recipient's chat. A returned error means
	// delivery failed; callers log it and move on.
	Notify(ctx context.Context, recipient, text string) error
}

// Noop discards every message. Used when no transport is configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _, _ string) error { return nil }
