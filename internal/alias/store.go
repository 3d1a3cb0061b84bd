// Package alias implements the persistent alias -> real address mapping that
// backs recipient resolution, together with its retention purge and the CSV
// batch import.
package alias

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// dateLayout is the storage format of the creation date. ISO dates compare
// correctly as plain strings on every backend.
const dateLayout = "2006-01-02"

var (
	// ErrDuplicateAlias is returned by Add when the alias already exists.
	ErrDuplicateAlias = errors.New("alias: duplicate alias")

	// ErrNotFound is returned by Lookup for unknown aliases.
	ErrNotFound = errors.New("alias: not found")

	// ErrInvalidRetention is returned by PurgeExpired for negative periods.
	ErrInvalidRetention = errors.New("alias: retention period must not be negative")
)

// Store is a durable alias mapping. Implementations are used from a single
// goroutine for the lifetime of one relay cycle.
type Store interface {
	// Add inserts a new alias. It fails with ErrDuplicateAlias, without
	// modifying the store, when alias is already present.
	Add(ctx context.Context, realAddress, alias string, created time.Time) error

	// Lookup returns the real address for alias or ErrNotFound.
	Lookup(ctx context.Context, alias string) (string, error)

	// PurgeExpired deletes every record created strictly before
	// now - retentionDays days and returns how many were removed.
	PurgeExpired(ctx context.Context, retentionDays int, now time.Time) (int64, error)

	// Close releases the underlying storage handle.
	Close() error
}

// formatDate renders the calendar date of t.
func formatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// cutoffDate returns the oldest creation date that survives a purge.
func cutoffDate(retentionDays int, now time.Time) (string, error) {
	if retentionDays < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidRetention, retentionDays)
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return formatDate(day.AddDate(0, 0, -retentionDays)), nil
}

// ParseDate parses a YYYY-MM-DD creation date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("incorrect date format, must be YYYY-MM-DD: %w", err)
	}
	return t, nil
}
