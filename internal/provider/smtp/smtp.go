// Package smtp implements a Provider that forwards messages through an SMTP
// submission server.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/email"
	"github.com/shineum/tracking-relay/internal/provider"
	relaytls "github.com/shineum/tracking-relay/internal/tls"
)

// ErrNoTransaction is returned by Send when no Login preceded it.
var ErrNoTransaction = errors.New("smtp: no open transaction")

// Config holds the settings of the outgoing SMTP server.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS selects implicit TLS, StartTLS upgrades a plain connection.
	TLS      bool
	StartTLS bool

	InsecureSkipVerify bool
	CAFile             string

	// LocalName is the name announced in EHLO. Defaults to "localhost".
	LocalName string

	Timeout time.Duration
}

// Provider sends messages over SMTP with PLAIN authentication.
type Provider struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an SMTP Provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Provider{cfg: cfg, logger: logger}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "smtp"
}

func (p *Provider) addr() string {
	return net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
}

// Connect opens the first connection and greets the server.
func (p *Provider) Connect(ctx context.Context) (provider.Session, error) {
	tlsConfig, err := relaytls.ClientConfig(relaytls.ClientOptions{
		ServerName:         p.cfg.Host,
		CAFile:             p.cfg.CAFile,
		InsecureSkipVerify: p.cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}

	s := &session{provider: p, tlsConfig: tlsConfig}
	if err := s.dial(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// session keeps at most one SMTP connection. Quit ends it; the next Login
// dials again, so every message is a separate authenticated transaction.
type session struct {
	provider  *Provider
	tlsConfig *tls.Config

	client   *gosmtp.Client
	loggedIn bool
}

func (s *session) dial(ctx context.Context) error {
	cfg := s.provider.cfg
	addr := s.provider.addr()
	dialer := &net.Dialer{Timeout: cfg.Timeout}

	var client *gosmtp.Client
	if cfg.TLS {
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: s.tlsConfig}).DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
		}
		client = gosmtp.NewClient(conn)
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
		}
		if cfg.StartTLS {
			client, err = gosmtp.NewClientStartTLS(conn, s.tlsConfig)
			if err != nil {
				conn.Close()
				return fmt.Errorf("STARTTLS with %s failed: %w", addr, err)
			}
		} else {
			client = gosmtp.NewClient(conn)
		}
	}
	client.CommandTimeout = cfg.Timeout
	client.SubmissionTimeout = cfg.Timeout

	if err := client.Hello(cfg.LocalName); err != nil {
		client.Close()
		return fmt.Errorf("SMTP greeting with %s failed: %w", addr, err)
	}

	s.client = client
	s.loggedIn = false
	s.provider.logger.Debug("SMTP connection established", zap.String("server", addr))
	return nil
}

// Login implements provider.Session.
func (s *session) Login(ctx context.Context) error {
	if s.client == nil {
		if err := s.dial(ctx); err != nil {
			return err
		}
	}
	if s.loggedIn {
		return nil
	}

	cfg := s.provider.cfg
	if cfg.Username != "" {
		if err := s.client.Auth(sasl.NewPlainClient("", cfg.Username, cfg.Password)); err != nil {
			return fmt.Errorf("SMTP login as %s failed: %w", cfg.Username, err)
		}
	}
	s.loggedIn = true
	return nil
}

// Send implements provider.Session.
func (s *session) Send(_ context.Context, env *email.Envelope) error {
	if s.client == nil || !s.loggedIn {
		return ErrNoTransaction
	}
	rcpts := env.Recipients()
	if len(rcpts) == 0 {
		return fmt.Errorf("message from %s has no recipients", env.From)
	}
	if err := s.client.SendMail(env.From, rcpts, bytes.NewReader(env.Data)); err != nil {
		return fmt.Errorf("SMTP delivery to %v failed: %w", rcpts, err)
	}
	return nil
}

// Quit implements provider.Session.
func (s *session) Quit() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	s.loggedIn = false

	if err := client.Quit(); err != nil {
		client.Close()
		return fmt.Errorf("SMTP quit failed: %w", err)
	}
	return nil
}

// Close implements provider.Session.
func (s *session) Close() error {
	if s.client == nil {
		return nil
	}
	client := s.client
	s.client = nil
	s.loggedIn = false
	return client.Close()
}
