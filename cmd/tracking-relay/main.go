// Package main is the entry point for the tracking relay.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/alias"
	"github.com/shineum/tracking-relay/internal/config"
	"github.com/shineum/tracking-relay/internal/logging"
	"github.com/shineum/tracking-relay/internal/message"
	"github.com/shineum/tracking-relay/internal/metrics"
	"github.com/shineum/tracking-relay/internal/relay"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "tracking-relay:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "tracking-relay"
	app.Usage = "forward tracking mails sent to aliases to their real recipients"
	app.Description = `Each run reads the unseen messages of the relay mailbox, keeps the ones that
pass the SPF and sender whitelist checks, replaces the alias recipient with the
real address it stands for and forwards them. Old messages and expired aliases
are purged on every run.

Running without a command performs one relay cycle ('run').`
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to YAML configuration `FILE` (optional)",
			EnvVars: []string{"TRACKING_RELAY_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "env-file",
			Usage: "load environment variables from `FILE` when it exists",
			Value: ".env",
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "Run one relay cycle",
			Action: runCycle,
		},
		aliasCommand(),
	}
	app.Action = runCycle
	// Errors are printed once by main.
	app.ExitErrHandler = func(*cli.Context, error) {}
	return app
}

// environment bundles what every command needs.
type environment struct {
	cfg    *config.Config
	logger *zap.Logger
}

// setup loads the configuration, validates it with validate and builds the
// logger.
func setup(c *cli.Context, validate func(*config.Config) error) (*environment, error) {
	if err := config.LoadEnvFile(c.String("env-file")); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return &environment{cfg: cfg, logger: logger}, nil
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func runCycle(c *cli.Context) error {
	env, err := setup(c, (*config.Config).Validate)
	if err != nil {
		return err
	}
	defer env.logger.Sync() //nolint:errcheck
	cfg, logger := env.cfg, env.logger
	ctx := c.Context

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open alias store", zap.String("backend", cfg.Aliases.Backend), zap.Error(err))
		return err
	}
	defer store.Close()

	importAliases(ctx, cfg, store, logger)

	prov, err := newProvider(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to create provider", zap.String("provider", cfg.Forward.Provider), zap.Error(err))
		return err
	}

	m := metrics.New()
	pipeline := relay.New(relay.Config{
		Folder:      cfg.IMAP.Folder,
		ForwardFrom: cfg.Forward.From,
		Bcc:         cfg.Forward.Bcc,
		Policy: message.Policy{
			CheckSPF:  cfg.Forward.SPFCheck,
			Whitelist: cfg.Whitelist.AllowedDomains,
		},
		MailboxRetentionDays: cfg.IMAP.RetentionDays,
		AliasRetentionDays:   cfg.Aliases.RetentionDays,
		DryRun:               cfg.Forward.DryRun,
	}, newMailbox(cfg, logger), store, prov, logger, relay.WithMetrics(m))

	logger.Info("starting relay cycle",
		zap.String("mailbox", cfg.IMAP.Host),
		zap.String("provider", prov.Name()),
		zap.String("alias_backend", cfg.Aliases.Backend),
		zap.Bool("dry_run", cfg.Forward.DryRun),
	)

	runErr := pipeline.Run(ctx)

	if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logger.Warn("failed to write metrics", zap.Error(err))
	}
	if runErr != nil {
		return runErr
	}

	logger.Info("relay cycle finished")
	return nil
}

// importAliases consumes the batch import file if one is waiting. A failed
// import is logged and the cycle goes on with the aliases already stored.
func importAliases(ctx context.Context, cfg *config.Config, store alias.Store, logger *zap.Logger) {
	path := cfg.ImportPath()
	if path == "" {
		return
	}

	result, err := alias.ImportCSV(ctx, store, path, time.Now(), logger)
	if err != nil {
		logger.Error("alias import failed", zap.String("file", path), zap.Error(err))
		return
	}
	if result.Found {
		logger.Info("aliases imported",
			zap.String("file", path),
			zap.Int("added", result.Added),
			zap.Int("duplicates", result.Duplicates),
			zap.Int("invalid", result.Invalid),
		)
	}
}
