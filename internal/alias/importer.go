package alias

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shineum/tracking-relay/internal/address"
)

// ImportResult summarises one CSV import.
type ImportResult struct {
	// Found is false when the import file did not exist.
	Found bool

	Added      int
	Duplicates int
	Invalid    int
}

// ImportCSV loads `real_address,alias` rows from path into store, dated now.
// Duplicate and malformed rows are logged and skipped. Once every row has
// been consumed the file is deleted. A missing file is not an error.
//
// Any other store failure aborts the import and leaves the file in place so
// the remaining rows can be imported by a later run.
func ImportCSV(ctx context.Context, store Store, path string, now time.Time, logger *zap.Logger) (ImportResult, error) {
	var result ImportResult

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to open alias import file: %w", err)
	}
	result.Found = true

	logger.Debug("importing aliases", zap.String("file", path))

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				logger.Warn("skipping unreadable alias import row",
					zap.Int("line", parseErr.Line),
					zap.Error(err),
				)
				result.Invalid++
				continue
			}
			f.Close()
			return result, fmt.Errorf("failed to read alias import file: %w", err)
		}

		line, _ := r.FieldPos(0)
		realAddr, aliasAddr, ok := parseRow(row)
		if !ok {
			logger.Warn("skipping malformed alias import row",
				zap.Int("line", line),
				zap.Strings("row", row),
			)
			result.Invalid++
			continue
		}

		err = store.Add(ctx, realAddr, aliasAddr, now)
		switch {
		case err == nil:
			result.Added++
		case errors.Is(err, ErrDuplicateAlias):
			logger.Error("alias already exists, skipped", zap.String("alias", aliasAddr))
			result.Duplicates++
		default:
			f.Close()
			return result, err
		}
	}
	f.Close()

	if err := os.Remove(path); err != nil {
		return result, fmt.Errorf("failed to remove alias import file: %w", err)
	}

	logger.Debug("alias import finished",
		zap.Int("added", result.Added),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("invalid", result.Invalid),
	)
	return result, nil
}

// parseRow validates a `real_address,alias` record.
func parseRow(row []string) (realAddr, aliasAddr string, ok bool) {
	if len(row) != 2 {
		return "", "", false
	}
	realAddr = strings.TrimSpace(row[0])
	aliasAddr = strings.TrimSpace(row[1])
	if !address.Valid(realAddr) || !address.Valid(aliasAddr) {
		return "", "", false
	}
	return realAddr, aliasAddr, true
}
