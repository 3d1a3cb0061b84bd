// Package message wraps a single fetched mail and decides whether it may be
// relayed. The admission predicates (SPF and sender-domain whitelist) are
// computed once from the received header and never change afterwards, even
// when the envelope headers are rewritten.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/tracking-relay/internal/address"
)

var (
	// ErrInvalidState is returned by the rewrite methods on a message that
	// was not admitted.
	ErrInvalidState = errors.New("message: rewrite of a message that is not admitted")

	// ErrInvalidAddress is returned when a rewrite is given a malformed address.
	ErrInvalidAddress = errors.New("message: invalid address")

	// ErrMalformed is returned when the header block cannot be parsed.
	ErrMalformed = errors.New("message: malformed header")
)

// spfPassTokens are the Received-SPF results that count as a pass.
var spfPassTokens = map[string]struct{}{
	"pass":     {},
	"softfail": {},
	"neutral":  {},
	"none":     {},
}

// Policy holds the process-wide admission inputs.
type Policy struct {
	// CheckSPF enables evaluation of the Received-SPF header.
	CheckSPF bool

	// Whitelist lists the sender domains that are accepted. An empty
	// whitelist accepts every sender.
	Whitelist []string
}

// Message is one in-flight mail owned by a single relay cycle.
type Message struct {
	header textproto.Header
	body   []byte

	from string
	to   string
	bcc  []string

	spfStatus         bool
	domainWhitelisted bool
}

// New parses raw and evaluates the admission predicates under policy.
func New(raw []byte, policy Policy) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}

	m := &Message{
		header: h,
		body:   body,
		from:   headerAddress(h, "From"),
		to:     headerAddress(h, "To"),
	}
	m.spfStatus = evaluateSPF(h, policy.CheckSPF)
	m.domainWhitelisted = evaluateWhitelist(m.from, policy.Whitelist)

	return m, nil
}

// evaluateSPF reports whether the Received-SPF header carries a pass-like
// result. With checking disabled every message passes.
func evaluateSPF(h textproto.Header, enabled bool) bool {
	if !enabled {
		return true
	}
	if !h.Has("Received-SPF") {
		return false
	}
	fields := h.FieldsByKey("Received-SPF")
	for fields.Next() {
		for _, token := range spfTokens(fields.Value()) {
			if _, ok := spfPassTokens[token]; ok {
				return true
			}
		}
	}
	return false
}

// spfTokens splits a Received-SPF value into lower-cased words.
func spfTokens(value string) []string {
	return strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
}

// evaluateWhitelist checks the sender domain against whitelist. An empty
// whitelist admits everyone.
func evaluateWhitelist(from string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	domain, err := address.Domain(from)
	if err != nil {
		return false
	}
	for _, allowed := range whitelist {
		if domain == allowed {
			return true
		}
	}
	return false
}

// headerAddress returns the first address of the named header, or the empty
// string when there is none.
func headerAddress(h textproto.Header, key string) string {
	mh := mail.Header{Header: gomessage.Header{Header: h}}
	if list, err := mh.AddressList(key); err == nil && len(list) > 0 {
		return list[0].Address
	}
	addr, err := address.Parse(h.Get(key))
	if err != nil {
		return ""
	}
	return addr
}

// SPFStatus is the result of the SPF evaluation made at construction.
func (m *Message) SPFStatus() bool { return m.spfStatus }

// DomainWhitelisted is the result of the whitelist evaluation made at construction.
func (m *Message) DomainWhitelisted() bool { return m.domainWhitelisted }

// Admitted reports whether the message passed both SPF and whitelist checks.
func (m *Message) Admitted() bool {
	return m.spfStatus && m.domainWhitelisted
}

// From returns the current From address.
func (m *Message) From() string { return m.from }

// To returns the current To address. Before rewrite this is the alias.
func (m *Message) To() string { return m.to }

// Bcc returns the blind copy recipients set by SetBcc.
func (m *Message) Bcc() []string {
	return append([]string(nil), m.bcc...)
}

// Subject returns the decoded Subject header, for logging.
func (m *Message) Subject() string {
	mh := mail.Header{Header: gomessage.Header{Header: m.header}}
	subject, err := mh.Subject()
	if err != nil {
		return m.header.Get("Subject")
	}
	return subject
}

// SetFrom replaces the From header.
func (m *Message) SetFrom(addr string) error {
	if err := m.checkRewrite(addr); err != nil {
		return err
	}
	m.header.Set("From", addr)
	m.from = addr
	return nil
}

// SetTo replaces the To header.
func (m *Message) SetTo(addr string) error {
	if err := m.checkRewrite(addr); err != nil {
		return err
	}
	m.header.Set("To", addr)
	m.to = addr
	return nil
}

// SetBcc sets the blind copy recipients. They only travel in the envelope
// and never appear in the header.
func (m *Message) SetBcc(addrs []string) error {
	if !m.Admitted() {
		return ErrInvalidState
	}
	for _, addr := range addrs {
		if !address.Valid(addr) {
			return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
	}
	m.bcc = append([]string(nil), addrs...)
	return nil
}

func (m *Message) checkRewrite(addr string) error {
	if !m.Admitted() {
		return ErrInvalidState
	}
	if !address.Valid(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return nil
}

// Bytes renders the message with its current header.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	buf.Write(m.body)
	return buf.Bytes(), nil
}
