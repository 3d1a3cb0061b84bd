// Package stdout implements a Provider that prints messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/tracking-relay/internal/email"
	"github.com/shineum/tracking-relay/internal/provider"
)

const separator = "========================================\n"

// Provider prints rewritten messages in a human-readable format.
type Provider struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// Connect implements provider.Provider.
func (p *Provider) Connect(context.Context) (provider.Session, error) {
	return &session{writer: p.writer}, nil
}

type session struct {
	provider.NopSession
	writer io.Writer
}

// Send prints the envelope followed by the raw message.
func (s *session) Send(_ context.Context, env *email.Envelope) error {
	var b strings.Builder

	b.WriteString(separator)
	b.WriteString(fmt.Sprintf("Envelope-From: %s\n", env.From))
	b.WriteString(fmt.Sprintf("Envelope-To: %s\n", env.To))

	if len(env.Bcc) > 0 {
		b.WriteString(fmt.Sprintf("Envelope-Bcc: %s\n", strings.Join(env.Bcc, ", ")))
	}

	b.WriteString(fmt.Sprintf("Size: %s\n", formatSize(len(env.Data))))
	b.WriteString("Message:\n")

	data := strings.ReplaceAll(string(env.Data), "\r\n", "\n")
	b.WriteString(data)
	if !strings.HasSuffix(data, "\n") {
		b.WriteString("\n")
	}

	b.WriteString(separator)

	if _, err := fmt.Fprint(s.writer, b.String()); err != nil {
		return fmt.Errorf("failed to print message: %w", err)
	}
	return nil
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
