// Package relay runs one relay cycle: read unseen tracking mails, admit and
// resolve them, prune the mailbox and the alias store, then forward the
// rewritten messages.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/alias"
	"github.com/shineum/tracking-relay/internal/email"
	"github.com/shineum/tracking-relay/internal/mailbox"
	"github.com/shineum/tracking-relay/internal/message"
	"github.com/shineum/tracking-relay/internal/metrics"
	"github.com/shineum/tracking-relay/internal/provider"
)

// Stages reported by FatalError.
const (
	StageConnect = "connect"
	StageList    = "list"
	StageSend    = "send"
)

// FatalError aborts a cycle. The process exits non-zero on it.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("relay %s failed: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Config is the per-cycle policy.
type Config struct {
	// Folder is the mailbox folder holding the tracking mails.
	Folder string

	// ForwardFrom replaces the From header of every forwarded message.
	ForwardFrom string

	// Bcc receives a blind copy of every forwarded message.
	Bcc []string

	// Policy decides which messages are admitted.
	Policy message.Policy

	MailboxRetentionDays int
	AliasRetentionDays   int

	// DryRun processes and purges as usual but logs the outgoing messages
	// instead of sending them.
	DryRun bool
}

// Pipeline wires the ports together for a cycle.
type Pipeline struct {
	cfg      Config
	mailbox  mailbox.Mailbox
	aliases  alias.Store
	provider provider.Provider
	logger   *zap.Logger
	metrics  *metrics.Metrics

	now func() time.Time
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithMetrics records outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline. The caller keeps ownership of aliases.
func New(cfg Config, mbox mailbox.Mailbox, aliases alias.Store, prov provider.Provider, logger *zap.Logger, opts ...Option) *Pipeline {
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	p := &Pipeline{
		cfg:      cfg,
		mailbox:  mbox,
		aliases:  aliases,
		provider: prov,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one cycle. It returns a *FatalError when the mailbox cannot
// be opened or listed, or when no delivery session can be established.
// Every other failure is logged and the cycle continues.
func (p *Pipeline) Run(ctx context.Context) error {
	now := p.now()

	queue, err := p.collect(ctx)
	if err != nil {
		return err
	}

	p.purgeAliases(ctx, now)

	if err := p.send(ctx, queue); err != nil {
		return err
	}

	p.metrics.RunCompleted(p.now())
	return nil
}

// collect covers the mailbox side of the cycle: login, listing, processing
// and the mailbox purge. The mailbox is closed before it returns.
func (p *Pipeline) collect(ctx context.Context) ([]*email.Envelope, error) {
	if err := p.mailbox.Login(ctx); err != nil {
		p.logger.Error("mailbox login failed", zap.Error(err))
		return nil, &FatalError{Stage: StageConnect, Err: err}
	}
	defer func() {
		if err := p.mailbox.Close(); err != nil {
			p.logger.Warn("failed to close mailbox", zap.Error(err))
		}
	}()

	if err := p.mailbox.Select(ctx, p.cfg.Folder); err != nil {
		p.logger.Error("failed to open mailbox folder", zap.String("folder", p.cfg.Folder), zap.Error(err))
		return nil, &FatalError{Stage: StageList, Err: err}
	}

	ids, err := p.mailbox.Search(ctx, mailbox.Unseen())
	if err != nil {
		p.logger.Error("failed to list unseen messages", zap.Error(err))
		return nil, &FatalError{Stage: StageList, Err: err}
	}
	p.logger.Info("unseen messages", zap.Int("count", len(ids)))

	var queue []*email.Envelope
	for _, id := range ids {
		env, ok := p.process(ctx, id)
		if ok {
			queue = append(queue, env)
		}
	}

	p.purgeMailbox(ctx, p.now())
	return queue, nil
}

// process turns one mailbox message into an outgoing envelope. It reports
// false when the message is dropped.
func (p *Pipeline) process(ctx context.Context, id mailbox.ID) (*email.Envelope, bool) {
	log := p.logger.With(zap.Uint32("id", uint32(id)))

	raw, err := p.mailbox.Fetch(ctx, id)
	if err != nil {
		log.Warn("failed to fetch message", zap.Error(err))
		p.metrics.Message(metrics.ResultFetchFailed)
		return nil, false
	}
	p.metrics.Message(metrics.ResultFetched)

	msg, err := message.New(raw, p.cfg.Policy)
	if err != nil {
		log.Warn("skipping malformed message", zap.Error(err))
		p.metrics.Message(metrics.ResultFetchFailed)
		return nil, false
	}
	log = log.With(zap.String("from", msg.From()), zap.String("to", msg.To()))

	if !msg.SPFStatus() {
		log.Warn("message rejected, SPF check failed", zap.String("subject", msg.Subject()))
		p.metrics.Message(metrics.ResultRejectedSPF)
		return nil, false
	}
	if !msg.DomainWhitelisted() {
		log.Warn("message rejected, sender domain not whitelisted", zap.String("subject", msg.Subject()))
		p.metrics.Message(metrics.ResultRejectedWhitelist)
		return nil, false
	}

	realAddr, err := p.aliases.Lookup(ctx, msg.To())
	if err != nil {
		if errors.Is(err, alias.ErrNotFound) {
			log.Warn("alias not found, message dropped")
		} else {
			log.Error("alias lookup failed, message dropped", zap.Error(err))
		}
		p.metrics.Message(metrics.ResultUnresolved)
		return nil, false
	}

	if err := rewrite(msg, p.cfg.ForwardFrom, realAddr, p.cfg.Bcc); err != nil {
		log.Error("failed to rewrite message", zap.Error(err))
		p.metrics.Message(metrics.ResultUnresolved)
		return nil, false
	}

	data, err := msg.Bytes()
	if err != nil {
		log.Error("failed to render message", zap.Error(err))
		p.metrics.Message(metrics.ResultUnresolved)
		return nil, false
	}

	log.Info("message queued", zap.String("recipient", realAddr))
	p.metrics.Message(metrics.ResultQueued)
	return &email.Envelope{
		From: msg.From(),
		To:   msg.To(),
		Bcc:  msg.Bcc(),
		Data: data,
	}, true
}

func rewrite(msg *message.Message, from, to string, bcc []string) error {
	if err := msg.SetFrom(from); err != nil {
		return err
	}
	if err := msg.SetTo(to); err != nil {
		return err
	}
	return msg.SetBcc(bcc)
}

// purgeMailbox deletes messages older than the mailbox retention period.
// Errors are logged and never abort the cycle.
func (p *Pipeline) purgeMailbox(ctx context.Context, now time.Time) {
	criterion := mailbox.Before(now.AddDate(0, 0, -p.cfg.MailboxRetentionDays))

	ids, err := p.mailbox.Search(ctx, criterion)
	if err != nil {
		p.logger.Warn("mailbox purge search failed", zap.Stringer("criterion", criterion), zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	var marked int64
	for _, id := range ids {
		if err := p.mailbox.MarkDeleted(ctx, id); err != nil {
			p.logger.Warn("failed to mark message deleted", zap.Uint32("id", uint32(id)), zap.Error(err))
			continue
		}
		marked++
	}

	if err := p.mailbox.Expunge(ctx); err != nil {
		p.logger.Warn("mailbox expunge failed", zap.Error(err))
		return
	}

	p.logger.Info("mailbox purged", zap.Int64("deleted", marked), zap.Stringer("criterion", criterion))
	p.metrics.Purged(metrics.TargetMailbox, marked)
}

// purgeAliases removes expired aliases. Errors are logged.
func (p *Pipeline) purgeAliases(ctx context.Context, now time.Time) {
	n, err := p.aliases.PurgeExpired(ctx, p.cfg.AliasRetentionDays, now)
	if err != nil {
		p.logger.Error("alias purge failed", zap.Error(err))
		return
	}
	p.logger.Info("aliases purged", zap.Int64("deleted", n), zap.Int("retention_days", p.cfg.AliasRetentionDays))
	p.metrics.Purged(metrics.TargetAliases, n)
}

// send forwards the queue, one transaction per message.
func (p *Pipeline) send(ctx context.Context, queue []*email.Envelope) error {
	if len(queue) == 0 {
		p.logger.Info("no messages to send")
		return nil
	}

	if p.cfg.DryRun {
		for _, env := range queue {
			p.logger.Info("dry run, message not sent",
				zap.String("from", env.From),
				zap.String("to", env.To),
				zap.Strings("bcc", env.Bcc),
				zap.Int("size", len(env.Data)),
			)
		}
		return nil
	}

	sess, err := p.provider.Connect(ctx)
	if err != nil {
		p.logger.Error("failed to open delivery session", zap.String("provider", p.provider.Name()), zap.Error(err))
		return &FatalError{Stage: StageSend, Err: err}
	}
	defer func() {
		if err := sess.Close(); err != nil {
			p.logger.Debug("failed to close delivery session", zap.Error(err))
		}
	}()

	var sent int
	for _, env := range queue {
		log := p.logger.With(zap.String("to", env.To), zap.String("provider", p.provider.Name()))
		if err := deliver(ctx, sess, env); err != nil {
			log.Error("failed to send message", zap.Error(err))
			p.metrics.Message(metrics.ResultSendFailed)
			continue
		}
		log.Info("message sent")
		p.metrics.Message(metrics.ResultSent)
		sent++
	}

	p.logger.Info("delivery finished", zap.Int("sent", sent), zap.Int("failed", len(queue)-sent))
	return nil
}

// deliver runs one Login, Send, Quit transaction. The transaction is ended
// even when Login or Send fails so the next message starts clean.
func deliver(ctx context.Context, sess provider.Session, env *email.Envelope) error {
	if err := sess.Login(ctx); err != nil {
		_ = sess.Quit()
		return err
	}
	if err := sess.Send(ctx, env); err != nil {
		_ = sess.Quit()
		return err
	}
	if err := sess.Quit(); err != nil {
		return fmt.Errorf("message accepted but quit failed: %w", err)
	}
	return nil
}
