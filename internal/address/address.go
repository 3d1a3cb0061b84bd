// Package address provides the small amount of e-mail address handling the
// relay needs: splitting an address, extracting its domain and checking that
// a domain is syntactically plausible.
package address

import (
	"errors"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrMissingAt is returned for addresses without an at-sign.
	ErrMissingAt = errors.New("address: missing at-sign")
	// ErrEmptyLocalPart is returned when nothing precedes the at-sign.
	ErrEmptyLocalPart = errors.New("address: empty local-part")
	// ErrInvalidDomain is returned when the domain part fails ValidDomain.
	ErrInvalidDomain = errors.New("address: invalid domain")
)

// Split splits addr into local part and domain at the last at-sign.
// It performs no validation beyond requiring both parts to be non-empty.
func Split(addr string) (local, domain string, err error) {
	idx := strings.LastIndexByte(addr, '@')
	if idx == -1 {
		return "", "", ErrMissingAt
	}
	local = addr[:idx]
	domain = addr[idx+1:]
	if local == "" {
		return "", "", ErrEmptyLocalPart
	}
	if domain == "" {
		return "", "", ErrInvalidDomain
	}
	return local, domain, nil
}

// Parse extracts the bare address from a header value such as
// `"DHL Paket" <noreply@dhl.de>`. Values that RFC 5322 parsing rejects are
// returned trimmed, as long as they contain an at-sign.
func Parse(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrMissingAt
	}
	if parsed, err := mail.ParseAddress(value); err == nil {
		return parsed.Address, nil
	}
	if !strings.Contains(value, "@") {
		return "", ErrMissingAt
	}
	return strings.Trim(value, "<>"), nil
}

// Domain returns the validated domain part of addr.
func Domain(addr string) (string, error) {
	_, domain, err := Split(addr)
	if err != nil {
		return "", err
	}
	if !ValidDomain(domain) {
		return "", ErrInvalidDomain
	}
	return domain, nil
}

// Valid reports whether addr looks like a deliverable mailbox address.
func Valid(addr string) bool {
	if len(addr) > 320 {
		return false
	}
	local, domain, err := Split(addr)
	if err != nil {
		return false
	}
	if strings.ContainsAny(local, " \t\r\n<>,;") {
		return false
	}
	return ValidDomain(domain)
}

// ValidDomain checks whether domain is a plausible registered DNS name: at
// least two labels, no empty labels, labels of at most 63 octets in A-label
// form and an alphabetic top-level label.
func ValidDomain(domain string) bool {
	domain = strings.TrimSuffix(domain, ".")
	if len(domain) == 0 || len(domain) > 253 {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return false
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !validLabel(label) {
			return false
		}
	}

	tld := labels[len(labels)-1]
	if strings.HasPrefix(tld, "xn--") {
		return true
	}
	for _, ch := range tld {
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return false
		}
	}
	return true
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, ch := range label {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
		default:
			return false
		}
	}
	return true
}
