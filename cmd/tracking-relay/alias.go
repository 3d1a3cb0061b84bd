package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/address"
	"github.com/shineum/tracking-relay/internal/alias"
	"github.com/shineum/tracking-relay/internal/config"
)

func aliasCommand() *cli.Command {
	return &cli.Command{
		Name:  "alias",
		Usage: "Alias store maintenance",
		Description: `These commands work on the configured alias store directly. They need the
aliases section of the configuration only.`,
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Map an alias to a real address",
				ArgsUsage: "REAL_ADDRESS ALIAS",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "date",
						Usage: "creation `DATE` (YYYY-MM-DD), defaults to today",
					},
				},
				Action: withStore(aliasAdd),
			},
			{
				Name:      "lookup",
				Usage:     "Print the real address behind an alias",
				ArgsUsage: "ALIAS",
				Action:    withStore(aliasLookup),
			},
			{
				Name:      "import",
				Usage:     "Import real_address,alias rows from a CSV file and delete it",
				ArgsUsage: "FILE",
				Action:    withStore(aliasImport),
			},
			{
				Name:  "purge",
				Usage: "Delete aliases older than the retention period",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "now",
						Usage: "reference `DATE` (YYYY-MM-DD), defaults to today",
					},
				},
				Action: withStore(aliasPurge),
			},
		},
	}
}

type storeAction func(c *cli.Context, env *environment, store alias.Store) error

// withStore opens the alias store around action.
func withStore(action storeAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		env, err := setup(c, (*config.Config).ValidateStore)
		if err != nil {
			return err
		}
		defer env.logger.Sync() //nolint:errcheck

		store, err := openStore(c.Context, env.cfg)
		if err != nil {
			return fmt.Errorf("failed to open alias store: %w", err)
		}
		defer store.Close()

		return action(c, env, store)
	}
}

// dateFlag returns the named date flag, or today when it is unset.
func dateFlag(c *cli.Context, name string) (time.Time, error) {
	v := c.String(name)
	if v == "" {
		return time.Now(), nil
	}
	t, err := alias.ParseDate(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return t, nil
}

func aliasAdd(c *cli.Context, env *environment, store alias.Store) error {
	if c.NArg() != 2 {
		return errors.New("usage: alias add REAL_ADDRESS ALIAS")
	}
	realAddr, aliasAddr := c.Args().Get(0), c.Args().Get(1)
	if !address.Valid(realAddr) {
		return fmt.Errorf("invalid real address %q", realAddr)
	}
	if !address.Valid(aliasAddr) {
		return fmt.Errorf("invalid alias %q", aliasAddr)
	}

	created, err := dateFlag(c, "date")
	if err != nil {
		return err
	}

	if err := store.Add(c.Context, realAddr, aliasAddr, created); err != nil {
		return err
	}
	env.logger.Info("alias added", zap.String("alias", aliasAddr), zap.String("real_address", realAddr))
	fmt.Fprintf(c.App.Writer, "%s -> %s\n", aliasAddr, realAddr)
	return nil
}

func aliasLookup(c *cli.Context, _ *environment, store alias.Store) error {
	if c.NArg() != 1 {
		return errors.New("usage: alias lookup ALIAS")
	}
	realAddr, err := store.Lookup(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, realAddr)
	return nil
}

func aliasImport(c *cli.Context, env *environment, store alias.Store) error {
	if c.NArg() != 1 {
		return errors.New("usage: alias import FILE")
	}
	path := c.Args().First()

	result, err := alias.ImportCSV(c.Context, store, path, time.Now(), env.logger)
	if err != nil {
		return err
	}
	if !result.Found {
		return fmt.Errorf("import file %s does not exist", path)
	}
	fmt.Fprintf(c.App.Writer, "added %d, duplicates %d, invalid %d\n", result.Added, result.Duplicates, result.Invalid)
	return nil
}

func aliasPurge(c *cli.Context, env *environment, store alias.Store) error {
	now, err := dateFlag(c, "now")
	if err != nil {
		return err
	}

	n, err := store.PurgeExpired(c.Context, env.cfg.Aliases.RetentionDays, now)
	if err != nil {
		return err
	}
	env.logger.Info("aliases purged", zap.Int64("deleted", n), zap.Int("retention_days", env.cfg.Aliases.RetentionDays))
	fmt.Fprintf(c.App.Writer, "purged %d\n", n)
	return nil
}
