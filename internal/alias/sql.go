package alias

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

// Supported dialects.
const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// identifierPattern restricts table names to plain SQL identifiers. Table
// names cannot be bound as parameters, so nothing else reaches a statement.
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidTableName reports whether name can be used as the alias table.
func ValidTableName(name string) bool {
	return identifierPattern.MatchString(name)
}

// SQLConfig holds the settings for OpenSQL.
type SQLConfig struct {
	Dialect Dialect

	// DSN is the driver connection string. For sqlite it is the database
	// file path; its directory is created when missing.
	DSN string

	// Table is the alias table name.
	Table string
}

// statements holds the prepared SQL text for one dialect and table.
type statements struct {
	schema []string
	insert string
	lookup string
	purge  string
}

// SQLStore is a Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	stmts   statements
}

// OpenSQL opens the database described by cfg and ensures the alias table
// exists.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	driver, err := driverName(cfg.Dialect)
	if err != nil {
		return nil, err
	}

	if cfg.Dialect == DialectSQLite && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create alias database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open alias database: %w", err)
	}
	if cfg.Dialect == DialectSQLite {
		// A single connection keeps :memory: databases alive and serialises writers.
		db.SetMaxOpenConns(1)
	}

	store, err := NewSQL(ctx, db, cfg.Dialect, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQL wraps an open database. The store takes ownership of db.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect, table string) (*SQLStore, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid alias table name %q", table)
	}
	stmts, err := buildStatements(dialect, table)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("alias database ping failed: %w", err)
	}
	for _, stmt := range stmts.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create alias schema: %w", err)
		}
	}

	return &SQLStore{db: db, dialect: dialect, stmts: stmts}, nil
}

func driverName(dialect Dialect) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "pgx", nil
	case DialectMySQL:
		return "mysql", nil
	default:
		return "", fmt.Errorf("unsupported alias database dialect %q", dialect)
	}
}

func buildStatements(dialect Dialect, table string) (statements, error) {
	switch dialect {
	case DialectSQLite:
		return statements{
			schema: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					address TEXT NOT NULL,
					alias TEXT PRIMARY KEY,
					created TEXT NOT NULL
				)`, table),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created)`, table, table),
			},
			insert: fmt.Sprintf(`INSERT INTO %s (address, alias, created) VALUES (?, ?, ?) ON CONFLICT(alias) DO NOTHING`, table),
			lookup: fmt.Sprintf(`SELECT address FROM %s WHERE alias = ?`, table),
			purge:  fmt.Sprintf(`DELETE FROM %s WHERE created < ?`, table),
		}, nil
	case DialectPostgres:
		return statements{
			schema: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					address TEXT NOT NULL,
					alias TEXT PRIMARY KEY,
					created VARCHAR(10) NOT NULL
				)`, table),
				fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_created ON %s(created)`, table, table),
			},
			insert: fmt.Sprintf(`INSERT INTO %s (address, alias, created) VALUES ($1, $2, $3) ON CONFLICT (alias) DO NOTHING`, table),
			lookup: fmt.Sprintf(`SELECT address FROM %s WHERE alias = $1`, table),
			purge:  fmt.Sprintf(`DELETE FROM %s WHERE created < $1`, table),
		}, nil
	case DialectMySQL:
		return statements{
			schema: []string{
				fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
					address VARCHAR(320) NOT NULL,
					alias VARBINARY(255) NOT NULL PRIMARY KEY,
					created CHAR(10) NOT NULL,
					INDEX idx_%s_created (created)
				)`, table, table),
			},
			insert: fmt.Sprintf(`INSERT IGNORE INTO %s (address, alias, created) VALUES (?, ?, ?)`, table),
			lookup: fmt.Sprintf(`SELECT address FROM %s WHERE alias = ?`, table),
			purge:  fmt.Sprintf(`DELETE FROM %s WHERE created < ?`, table),
		}, nil
	default:
		return statements{}, fmt.Errorf("unsupported alias database dialect %q", dialect)
	}
}

// Add implements Store. The conflict-ignoring insert makes the duplicate
// check and the write a single statement.
func (s *SQLStore) Add(ctx context.Context, realAddress, alias string, created time.Time) error {
	res, err := s.db.ExecContext(ctx, s.stmts.insert, realAddress, alias, formatDate(created))
	if err != nil {
		return fmt.Errorf("failed to add alias %q: %w", alias, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to add alias %q: %w", alias, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateAlias, alias)
	}
	return nil
}

// Lookup implements Store.
func (s *SQLStore) Lookup(ctx context.Context, alias string) (string, error) {
	var addr string
	err := s.db.QueryRowContext(ctx, s.stmts.lookup, alias).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up alias %q: %w", alias, err)
	}
	return addr, nil
}

// PurgeExpired implements Store.
func (s *SQLStore) PurgeExpired(ctx context.Context, retentionDays int, now time.Time) (int64, error) {
	cutoff, err := cutoffDate(retentionDays, now)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.stmts.purge, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge aliases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged aliases: %w", err)
	}
	return n, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
