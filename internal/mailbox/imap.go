package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	relaytls "github.com/shineum/tracking-relay/internal/tls"
)

// ErrNotConnected is returned when a command is issued before Login.
var ErrNotConnected = errors.New("mailbox: not connected")

// IMAPConfig holds the connection settings of an IMAP account.
type IMAPConfig struct {
	Host     string
	Port     int
	Username string
	Password string

	// TLS selects implicit TLS. StartTLS upgrades a plain connection.
	// With neither set the session is unencrypted.
	TLS      bool
	StartTLS bool

	InsecureSkipVerify bool
	CAFile             string

	DialTimeout time.Duration
}

// IMAP is a Mailbox backed by an IMAP server. Message IDs are UIDs.
type IMAP struct {
	cfg    IMAPConfig
	logger *zap.Logger

	client   *imapclient.Client
	selected bool
}

// NewIMAP returns an IMAP mailbox. No connection is made until Login.
func NewIMAP(cfg IMAPConfig, logger *zap.Logger) *IMAP {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &IMAP{cfg: cfg, logger: logger}
}

func (m *IMAP) addr() string {
	return net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
}

func (m *IMAP) dial(ctx context.Context) (*imapclient.Client, error) {
	tlsConfig, err := relaytls.ClientConfig(relaytls.ClientOptions{
		ServerName:         m.cfg.Host,
		CAFile:             m.cfg.CAFile,
		InsecureSkipVerify: m.cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	opts := &imapclient.Options{TLSConfig: tlsConfig}

	dialer := &net.Dialer{Timeout: m.cfg.DialTimeout}
	if m.cfg.TLS {
		conn, err := (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", m.addr())
		if err != nil {
			return nil, err
		}
		return imapclient.New(conn, opts), nil
	}

	conn, err := dialer.DialContext(ctx, "tcp", m.addr())
	if err != nil {
		return nil, err
	}
	if m.cfg.StartTLS {
		client, err := imapclient.NewStartTLS(conn, opts)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return client, nil
	}
	return imapclient.New(conn, opts), nil
}

// Login connects and authenticates.
func (m *IMAP) Login(ctx context.Context) error {
	client, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server %s: %w", m.addr(), err)
	}
	if err := client.Login(m.cfg.Username, m.cfg.Password).Wait(); err != nil {
		client.Close()
		return fmt.Errorf("IMAP login as %s failed: %w", m.cfg.Username, err)
	}
	m.client = client

	m.logger.Debug("IMAP session established",
		zap.String("server", m.addr()),
		zap.String("username", m.cfg.Username),
	)
	return nil
}

func (m *IMAP) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.client == nil {
		return ErrNotConnected
	}
	return nil
}

// Select opens folder read-write.
func (m *IMAP) Select(ctx context.Context, folder string) error {
	if err := m.ready(ctx); err != nil {
		return err
	}
	data, err := m.client.Select(folder, nil).Wait()
	if err != nil {
		return fmt.Errorf("failed to select folder %q: %w", folder, err)
	}
	m.selected = true

	m.logger.Debug("folder selected",
		zap.String("folder", folder),
		zap.Uint32("messages", data.NumMessages),
	)
	return nil
}

// Search returns the UIDs matching criterion in ascending order.
func (m *IMAP) Search(ctx context.Context, criterion Criterion) ([]ID, error) {
	if err := m.ready(ctx); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{}
	if criterion.IsUnseen() {
		criteria.NotFlag = []imap.Flag{imap.FlagSeen}
	}
	if before, ok := criterion.BeforeDate(); ok {
		criteria.Before = before
	}

	data, err := m.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("IMAP search %s failed: %w", criterion, err)
	}

	uids := data.AllUIDs()
	ids := make([]ID, len(uids))
	for i, uid := range uids {
		ids[i] = ID(uid)
	}
	m.logger.Debug("IMAP search",
		zap.Stringer("criterion", criterion),
		zap.Int("matches", len(ids)),
	)
	return ids, nil
}

// Fetch downloads the complete message.
func (m *IMAP) Fetch(ctx context.Context, id ID) ([]byte, error) {
	if err := m.ready(ctx); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{}
	msgs, err := m.client.Fetch(imap.UIDSetNum(imap.UID(id)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d not found", id)
	}

	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, fmt.Errorf("message %d returned no body", id)
	}
	return body, nil
}

// MarkDeleted adds the \Deleted flag.
func (m *IMAP) MarkDeleted(ctx context.Context, id ID) error {
	if err := m.ready(ctx); err != nil {
		return err
	}
	err := m.client.Store(imap.UIDSetNum(imap.UID(id)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("failed to flag message %d as deleted: %w", id, err)
	}
	return nil
}

// Expunge permanently removes messages flagged as deleted.
func (m *IMAP) Expunge(ctx context.Context) error {
	if err := m.ready(ctx); err != nil {
		return err
	}
	if err := m.client.Expunge().Close(); err != nil {
		return fmt.Errorf("IMAP expunge failed: %w", err)
	}
	return nil
}

// Close closes the selected folder, logs out and drops the connection. It is
// safe to call more than once.
func (m *IMAP) Close() error {
	if m.client == nil {
		return nil
	}
	client := m.client
	m.client = nil

	var errs []error
	if m.selected {
		m.selected = false
		if err := client.UnselectAndExpunge().Wait(); err != nil {
			errs = append(errs, fmt.Errorf("IMAP close failed: %w", err))
		}
	}
	if err := client.Logout().Wait(); err != nil {
		errs = append(errs, fmt.Errorf("IMAP logout failed: %w", err))
	}
	// The server drops the connection after BYE; a close error here carries
	// no information.
	_ = client.Close()
	return errors.Join(errs...)
}
