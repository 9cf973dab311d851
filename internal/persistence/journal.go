package persistence

import (
	"context"
	"fmt"
	"time"
)

// Journal entry statuses.
const (
	JournalStatusEmitted = "EMITTED"
	JournalStatusDropped = "DROPPED"
)

// RecordUpdate appends one journal row for an observed update. The journal
// is an audit trail for redelivery analysis, not a processing queue.
func (s *Store) RecordUpdate(ctx context.Context, updateID int64, chat, kind, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO update_journal (update_id, chat, kind, status)
			VALUES (?, ?, ?, ?);
		`, updateID, chat, kind, status)
		if err != nil {
			return fmt.Errorf("record update %d: %w", updateID, err)
		}
		return nil
	})
}

// PruneJournal deletes journal rows older than cutoff and reports how many
// were removed.
func (s *Store) PruneJournal(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM update_journal WHERE created_at < ?;`,
			cutoff.UTC().Format("2006-01-02 15:04:05"))
		if err != nil {
			return fmt.Errorf("prune journal: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	return pruned, err
}

// JournalCount returns the number of journal rows.
func (s *Store) JournalCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM update_journal;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal: %w", err)
	}
	return n, nil
}
