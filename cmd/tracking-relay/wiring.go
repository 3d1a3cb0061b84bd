package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/alias"
	"github.com/shineum/tracking-relay/internal/config"
	"github.com/shineum/tracking-relay/internal/mailbox"
	"github.com/shineum/tracking-relay/internal/provider"
	"github.com/shineum/tracking-relay/internal/provider/graph"
	"github.com/shineum/tracking-relay/internal/provider/ses"
	smtpprovider "github.com/shineum/tracking-relay/internal/provider/smtp"
	"github.com/shineum/tracking-relay/internal/provider/stdout"
)

// openStore opens the configured alias backend.
func openStore(ctx context.Context, cfg *config.Config) (alias.Store, error) {
	switch cfg.Aliases.Backend {
	case config.BackendSQLite:
		return alias.OpenSQL(ctx, alias.SQLConfig{
			Dialect: alias.DialectSQLite,
			DSN:     cfg.SQLitePath(),
			Table:   cfg.Aliases.Table,
		})
	case config.BackendPostgres:
		return alias.OpenSQL(ctx, alias.SQLConfig{
			Dialect: alias.DialectPostgres,
			DSN:     cfg.Aliases.DSN,
			Table:   cfg.Aliases.Table,
		})
	case config.BackendMySQL:
		return alias.OpenSQL(ctx, alias.SQLConfig{
			Dialect: alias.DialectMySQL,
			DSN:     cfg.Aliases.DSN,
			Table:   cfg.Aliases.Table,
		})
	case config.BackendRedis:
		return alias.OpenRedis(ctx, cfg.Aliases.RedisURL, cfg.Aliases.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown alias backend %q", cfg.Aliases.Backend)
	}
}

// newMailbox returns the IMAP mailbox of the relay account.
func newMailbox(cfg *config.Config, logger *zap.Logger) mailbox.Mailbox {
	return mailbox.NewIMAP(mailbox.IMAPConfig{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		Username:           cfg.IMAP.Username,
		Password:           cfg.IMAP.Password,
		TLS:                cfg.IMAP.TLS,
		StartTLS:           cfg.IMAP.StartTLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		CAFile:             cfg.IMAP.CAFile,
	}, logger.Named("imap"))
}

// newProvider chooses the delivery backend named by forward.provider.
func newProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (provider.Provider, error) {
	switch cfg.Forward.Provider {
	case config.ProviderSMTP:
		return smtpprovider.New(smtpprovider.Config{
			Host:               cfg.SMTP.Host,
			Port:               cfg.SMTP.Port,
			Username:           cfg.SMTP.Username,
			Password:           cfg.SMTP.Password,
			TLS:                cfg.SMTP.TLS,
			StartTLS:           cfg.SMTP.StartTLS,
			InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			CAFile:             cfg.SMTP.CAFile,
			LocalName:          cfg.SMTP.LocalName,
		}, logger.Named("smtp")), nil

	case config.ProviderSES:
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
		}, logger.Named("ses"))
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.GraphSender(),
		}, logger.Named("graph")), nil

	case config.ProviderStdout:
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Forward.Provider)
	}
}
