// Package email defines the envelope handed from the relay pipeline to a
// delivery provider.
package email

// Envelope is a fully rewritten message ready for delivery.
type Envelope struct {
	// From is the envelope sender (MAIL FROM).
	From string

	// To is the resolved real recipient.
	To string

	// Bcc holds additional blind copy recipients, in configured order.
	Bcc []string

	// Data is the complete RFC 5322 message with rewritten headers.
	Data []byte
}

// Recipients returns the envelope recipients: To followed by Bcc.
func (e *Envelope) Recipients() []string {
	rcpts := make([]string, 0, 1+len(e.Bcc))
	if e.To != "" {
		rcpts = append(rcpts, e.To)
	}
	return append(rcpts, e.Bcc...)
}
