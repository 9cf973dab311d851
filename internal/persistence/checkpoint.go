package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const offsetKey = "pump.next_offset"

// LoadOffset returns the persisted ack offset, or 0 when none has been
// written yet.
func (s *Store) LoadOffset(ctx context.Context) (int64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM checkpoint WHERE key = ?;`, offsetKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load offset: %w", err)
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored offset %q: %w", raw, err)
	}
	return offset, nil
}

// StoreOffset persists the ack offset. Written only after the covered updates
// have been handed downstream, so a restart redelivers rather than skips.
func (s *Store) StoreOffset(ctx context.Context, offset int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoint (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, offsetKey, strconv.FormatInt(offset, 10))
		if err != nil {
			return fmt.Errorf("store offset: %w", err)
		}
		return nil
	})
}
