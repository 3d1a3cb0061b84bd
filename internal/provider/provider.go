// Package provider defines the outbound side of the relay: the delivery
// backends that forward rewritten messages.
package provider

import (
	"context"

	"github.com/shineum/tracking-relay/internal/email"
)

// Provider is a delivery backend. Each relay cycle opens at most one Session.
type Provider interface {
	// Connect establishes a delivery session. Failing to connect is fatal
	// for the cycle.
	Connect(ctx context.Context) (Session, error)

	// Name returns the human-readable name of this provider.
	Name() string
}

// Session delivers messages one at a time. Every message is sent as its own
// Login, Send, Quit sequence; Close releases the session on every exit path.
type Session interface {
	// Login authenticates the next transaction.
	Login(ctx context.Context) error

	// Send delivers env.Data to env.Recipients() with env.From as the
	// envelope sender.
	Send(ctx context.Context, env *email.Envelope) error

	// Quit ends the current transaction.
	Quit() error

	// Close releases the session. It is safe to call after Quit.
	Close() error
}

// NopSession implements the transaction methods for backends without a
// per-message handshake. Embed it and provide Send.
type NopSession struct{}

// Login implements Session.
func (NopSession) Login(context.Context) error { return nil }

// Quit implements Session.
func (NopSession) Quit() error { return nil }

// Close implements Session.
func (NopSession) Close() error { return nil }
