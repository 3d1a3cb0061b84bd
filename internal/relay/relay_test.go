package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/shineum/tracking-relay/internal/alias"
	"github.com/shineum/tracking-relay/internal/email"
	"github.com/shineum/tracking-relay/internal/mailbox"
	"github.com/shineum/tracking-relay/internal/message"
	"github.com/shineum/tracking-relay/internal/metrics"
	"github.com/shineum/tracking-relay/internal/provider"
)

var testNow = time.Date(2026, time.March, 10, 8, 30, 0, 0, time.UTC)

// fakeMailbox keeps messages in memory and records every call.
type fakeMailbox struct {
	messages map[mailbox.ID][]byte
	unseen   []mailbox.ID
	old      []mailbox.ID

	loginErr      error
	selectErr     error
	unseenErr     error
	beforeErr     error
	markErr       error
	expungeErr    error
	fetchErr      map[mailbox.ID]error
	searchedUntil time.Time

	calls   []string
	deleted []mailbox.ID
	closed  int
}

func (f *fakeMailbox) Login(context.Context) error {
	f.calls = append(f.calls, "login")
	return f.loginErr
}

func (f *fakeMailbox) Select(_ context.Context, folder string) error {
	f.calls = append(f.calls, "select "+folder)
	return f.selectErr
}

func (f *fakeMailbox) Search(_ context.Context, c mailbox.Criterion) ([]mailbox.ID, error) {
	f.calls = append(f.calls, "search "+c.String())
	if c.IsUnseen() {
		return f.unseen, f.unseenErr
	}
	f.searchedUntil, _ = c.BeforeDate()
	return f.old, f.beforeErr
}

func (f *fakeMailbox) Fetch(_ context.Context, id mailbox.ID) ([]byte, error) {
	f.calls = append(f.calls, "fetch")
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	return f.messages[id], nil
}

func (f *fakeMailbox) MarkDeleted(_ context.Context, id mailbox.ID) error {
	f.calls = append(f.calls, "mark")
	if f.markErr != nil {
		return f.markErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeMailbox) Expunge(context.Context) error {
	f.calls = append(f.calls, "expunge")
	return f.expungeErr
}

func (f *fakeMailbox) Close() error {
	f.calls = append(f.calls, "close")
	f.closed++
	return nil
}

// fakeStore is an in-memory alias store.
type fakeStore struct {
	aliases   map[string]string
	lookupErr error
	purgeErr  error
	purged    int64

	purgeRetention int
	purgeCalls     int
}

func (s *fakeStore) Add(_ context.Context, realAddress, a string, _ time.Time) error {
	if _, ok := s.aliases[a]; ok {
		return alias.ErrDuplicateAlias
	}
	s.aliases[a] = realAddress
	return nil
}

func (s *fakeStore) Lookup(_ context.Context, a string) (string, error) {
	if s.lookupErr != nil {
		return "", s.lookupErr
	}
	addr, ok := s.aliases[a]
	if !ok {
		return "", alias.ErrNotFound
	}
	return addr, nil
}

func (s *fakeStore) PurgeExpired(_ context.Context, retentionDays int, _ time.Time) (int64, error) {
	s.purgeCalls++
	s.purgeRetention = retentionDays
	return s.purged, s.purgeErr
}

func (s *fakeStore) Close() error { return nil }

// fakeProvider hands out a single recording session.
type fakeProvider struct {
	connectErr error
	session    *fakeSession
	connects   int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Connect(context.Context) (provider.Session, error) {
	p.connects++
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	return p.session, nil
}

type fakeSession struct {
	loginErr error
	// sendErr fails the send for the listed recipients.
	sendErr map[string]error

	sent   []*email.Envelope
	calls  []string
	closed int
}

func (s *fakeSession) Login(context.Context) error {
	s.calls = append(s.calls, "login")
	return s.loginErr
}

func (s *fakeSession) Send(_ context.Context, env *email.Envelope) error {
	s.calls = append(s.calls, "send")
	if err := s.sendErr[env.To]; err != nil {
		return err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSession) Quit() error {
	s.calls = append(s.calls, "quit")
	return nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return nil
}

func trackingMail(from, to string, extra ...string) []byte {
	headers := append([]string{
		"From: " + from,
		"To: " + to,
		"Subject: Your order has shipped",
	}, extra...)
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\nTracking number 1Z999.\r\n")
}

type fixture struct {
	mailbox  *fakeMailbox
	store    *fakeStore
	provider *fakeProvider
	metrics  *metrics.Metrics
	logs     *observer.ObservedLogs
}

func newFixture(messages ...[]byte) *fixture {
	mbox := &fakeMailbox{messages: map[mailbox.ID][]byte{}, fetchErr: map[mailbox.ID]error{}}
	for i, raw := range messages {
		id := mailbox.ID(i + 1)
		mbox.messages[id] = raw
		mbox.unseen = append(mbox.unseen, id)
	}
	return &fixture{
		mailbox:  mbox,
		store:    &fakeStore{aliases: map[string]string{}},
		provider: &fakeProvider{session: &fakeSession{sendErr: map[string]error{}}},
		metrics:  metrics.New(),
	}
}

func (f *fixture) pipeline(cfg Config) *Pipeline {
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	return New(cfg, f.mailbox, f.store, f.provider, zap.New(core),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return testNow }),
	)
}

func strictConfig() Config {
	return Config{
		ForwardFrom: "relay@relay.example",
		Policy: message.Policy{
			CheckSPF:  true,
			Whitelist: []string{"example.com"},
		},
		MailboxRetentionDays: 30,
		AliasRetentionDays:   180,
	}
}

// sample returns the value of the series name{label=value}, or zero.
func sample(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if label == "" {
				return metric.GetGauge().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func messageCount(t *testing.T, m *metrics.Metrics, result string) float64 {
	return sample(t, m, "tracking_relay_messages_total", "result", result)
}

func TestRunAdmittedMessageIsForwarded(t *testing.T) {
	f := newFixture(trackingMail("noreply@example.com", "order123@relay.example", "Received-SPF: pass"))
	f.store.aliases["order123@relay.example"] = "customer@real-domain.com"

	cfg := strictConfig()
	cfg.Bcc = []string{"audit@relay.example"}
	require.NoError(t, f.pipeline(cfg).Run(context.Background()))

	require.Len(t, f.provider.session.sent, 1)
	env := f.provider.session.sent[0]
	assert.Equal(t, "relay@relay.example", env.From)
	assert.Equal(t, "customer@real-domain.com", env.To)
	assert.Equal(t, []string{"audit@relay.example"}, env.Bcc)
	assert.Equal(t, []string{"customer@real-domain.com", "audit@relay.example"}, env.Recipients())

	data := string(env.Data)
	assert.Contains(t, data, "To: customer@real-domain.com\r\n")
	assert.Contains(t, data, "From: relay@relay.example\r\n")
	assert.NotContains(t, data, "order123@relay.example")
	assert.NotContains(t, data, "Bcc:")
	assert.Contains(t, data, "Tracking number 1Z999.")

	assert.Equal(t, []string{"login", "send", "quit"}, f.provider.session.calls)
	assert.Equal(t, 1, f.provider.session.closed)
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultQueued))
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultSent))
}

func TestRunUnknownAliasSendsNothing(t *testing.T) {
	f := newFixture(trackingMail("noreply@example.com", "order123@relay.example", "Received-SPF: pass"))

	require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))

	assert.Zero(t, f.provider.connects)
	assert.Empty(t, f.provider.session.sent)
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultUnresolved))
	assert.Equal(t, 1, f.logs.FilterMessage("alias not found, message dropped").Len())
	assert.Equal(t, 1, f.logs.FilterMessage("no messages to send").Len())
}

func TestRunOpenPolicyAdmitsEverything(t *testing.T) {
	f := newFixture(
		trackingMail("news@anywhere.test", "a1@relay.example"),
		trackingMail("shop@elsewhere.test", "a2@relay.example", "Received-SPF: fail"),
	)
	f.store.aliases["a1@relay.example"] = "one@real-domain.com"
	f.store.aliases["a2@relay.example"] = "two@real-domain.com"

	cfg := Config{ForwardFrom: "relay@relay.example"}
	require.NoError(t, f.pipeline(cfg).Run(context.Background()))

	require.Len(t, f.provider.session.sent, 2)
	assert.Equal(t, "one@real-domain.com", f.provider.session.sent[0].To)
	assert.Equal(t, "two@real-domain.com", f.provider.session.sent[1].To)
	assert.Equal(t, []string{"login", "send", "quit", "login", "send", "quit"}, f.provider.session.calls)
}

func TestRunRejectsInadmissibleMessages(t *testing.T) {
	f := newFixture(
		trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: fail"),
		trackingMail("noreply@other.test", "a1@relay.example", "Received-SPF: pass"),
		trackingMail("noreply@example.com", "a1@relay.example"),
	)
	f.store.aliases["a1@relay.example"] = "one@real-domain.com"

	require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))

	assert.Zero(t, f.provider.connects)
	assert.Equal(t, float64(2), messageCount(t, f.metrics, metrics.ResultRejectedSPF))
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultRejectedWhitelist))
}

func TestRunSkipsFailedFetchAndLookup(t *testing.T) {
	f := newFixture(
		trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: pass"),
		trackingMail("noreply@example.com", "a2@relay.example", "Received-SPF: pass"),
	)
	f.mailbox.fetchErr[1] = errors.New("connection reset")
	f.store.lookupErr = errors.New("database is locked")

	require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))

	assert.Zero(t, f.provider.connects)
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultFetchFailed))
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultUnresolved))
	assert.Equal(t, 1, f.logs.FilterMessage("alias lookup failed, message dropped").Len())
}

func TestRunSendFailureContinues(t *testing.T) {
	f := newFixture(
		trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: pass"),
		trackingMail("noreply@example.com", "a2@relay.example", "Received-SPF: pass"),
	)
	f.store.aliases["a1@relay.example"] = "one@real-domain.com"
	f.store.aliases["a2@relay.example"] = "two@real-domain.com"
	f.provider.session.sendErr["one@real-domain.com"] = errors.New("550 mailbox unavailable")

	require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))

	require.Len(t, f.provider.session.sent, 1)
	assert.Equal(t, "two@real-domain.com", f.provider.session.sent[0].To)
	assert.Equal(t, []string{"login", "send", "quit", "login", "send", "quit"}, f.provider.session.calls)
	assert.Equal(t, 1, f.provider.session.closed)
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultSendFailed))
	assert.Equal(t, float64(1), messageCount(t, f.metrics, metrics.ResultSent))
}

func TestRunLoginFailureContinues(t *testing.T) {
	f := newFixture(trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: pass"))
	f.store.aliases["a1@relay.example"] = "one@real-domain.com"
	f.provider.session.loginErr = errors.New("535 authentication failed")

	require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))

	assert.Empty(t, f.provider.session.sent)
	assert.Equal(t, []string{"login", "quit"}, f.provider.session.calls)
	assert.Equal(t, 1, f.provider.session.closed)
}

func TestRunFatalErrors(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		setup     func(*fixture)
		stage     string
		wantClose int
	}{
		{
			name:  "mailbox login",
			setup: func(f *fixture) { f.mailbox.loginErr = boom },
			stage: StageConnect,
		},
		{
			name:      "select",
			setup:     func(f *fixture) { f.mailbox.selectErr = boom },
			stage:     StageList,
			wantClose: 1,
		},
		{
			name:      "listing",
			setup:     func(f *fixture) { f.mailbox.unseenErr = boom },
			stage:     StageList,
			wantClose: 1,
		},
		{
			name: "provider connect",
			setup: func(f *fixture) {
				f.store.aliases["a1@relay.example"] = "one@real-domain.com"
				f.provider.connectErr = boom
			},
			stage:     StageSend,
			wantClose: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: pass"))
			tt.setup(f)

			err := f.pipeline(strictConfig()).Run(context.Background())
			require.Error(t, err)

			var fatal *FatalError
			require.ErrorAs(t, err, &fatal)
			assert.Equal(t, tt.stage, fatal.Stage)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, tt.wantClose, f.mailbox.closed)
			assert.Empty(t, f.provider.session.sent)
		})
	}
}

func TestRunPurgesBeforeSending(t *testing.T) {
	f := newFixture(trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: pass"))
	f.store.aliases["a1@relay.example"] = "one@real-domain.com"
	f.store.purged = 3
	f.mailbox.old = []mailbox.ID{7, 8}

	require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))

	assert.Equal(t, []string{
		"login", "select INBOX", "search UNSEEN", "fetch",
		"search BEFORE 08-Feb-2026", "mark", "mark", "expunge", "close",
	}, f.mailbox.calls)
	assert.Equal(t, []mailbox.ID{7, 8}, f.mailbox.deleted)
	assert.Equal(t, time.Date(2026, time.February, 8, 0, 0, 0, 0, time.UTC), f.mailbox.searchedUntil)
	assert.Equal(t, 1, f.store.purgeCalls)
	assert.Equal(t, 180, f.store.purgeRetention)
	assert.Len(t, f.provider.session.sent, 1)

	assert.Equal(t, float64(2), sample(t, f.metrics, "tracking_relay_purged_total", "target", metrics.TargetMailbox))
	assert.Equal(t, float64(3), sample(t, f.metrics, "tracking_relay_purged_total", "target", metrics.TargetAliases))
}

func TestRunPurgeErrorsAreTolerated(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fixture)
	}{
		{"search", func(f *fixture) { f.mailbox.beforeErr = errors.New("unexpected EOF") }},
		{"mark", func(f *fixture) { f.mailbox.markErr = errors.New("unexpected EOF") }},
		{"expunge", func(f *fixture) { f.mailbox.expungeErr = errors.New("unexpected EOF") }},
		{"aliases", func(f *fixture) { f.store.purgeErr = errors.New("disk I/O error") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: pass"))
			f.store.aliases["a1@relay.example"] = "one@real-domain.com"
			f.mailbox.old = []mailbox.ID{7}
			tt.setup(f)

			require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))
			assert.Len(t, f.provider.session.sent, 1)
			assert.Equal(t, 1, f.mailbox.closed)
			assert.Equal(t, 1, f.store.purgeCalls)
		})
	}
}

func TestRunEmptyMailbox(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.pipeline(strictConfig()).Run(context.Background()))

	assert.Zero(t, f.provider.connects)
	assert.Equal(t, 1, f.mailbox.closed)
	assert.Equal(t, 1, f.store.purgeCalls)
	assert.NotZero(t, sample(t, f.metrics, "tracking_relay_last_run_timestamp_seconds", "", ""))
}

func TestRunDryRun(t *testing.T) {
	f := newFixture(trackingMail("noreply@example.com", "a1@relay.example", "Received-SPF: pass"))
	f.store.aliases["a1@relay.example"] = "one@real-domain.com"
	f.mailbox.old = []mailbox.ID{7}

	cfg := strictConfig()
	cfg.DryRun = true
	require.NoError(t, f.pipeline(cfg).Run(context.Background()))

	assert.Zero(t, f.provider.connects)
	assert.Equal(t, []mailbox.ID{7}, f.mailbox.deleted)

	entries := f.logs.FilterMessage("dry run, message not sent").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "one@real-domain.com", entries[0].ContextMap()["to"])
}
