// Package graph implements a Provider that sends emails via the Microsoft Graph API.
package graph

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-message/textproto"

	"github.com/shineum/tracking-relay/internal/email"
)

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildMIMEPayload returns the base64 request body for a MIME sendMail
// call. Graph takes its recipients from the message headers, so the envelope
// Bcc list is added as a Bcc header; Graph strips it before delivery.
func buildMIMEPayload(env *email.Envelope) ([]byte, error) {
	br := bufio.NewReader(bytes.NewReader(env.Data))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message header: %w", err)
	}

	h.Del("Bcc")
	if len(env.Bcc) > 0 {
		h.Set("Bcc", strings.Join(env.Bcc, ", "))
	}

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, fmt.Errorf("failed to write message header: %w", err)
	}
	if _, err := buf.ReadFrom(br); err != nil {
		return nil, fmt.Errorf("failed to copy message body: %w", err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}
