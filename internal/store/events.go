package store

import (
	"context"
	"fmt"
	"time"
)

// MarkEventProcessed records an inbound event id. It returns true when the id
// was not seen before, so callers get test-and-set dedup in one call.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO processed_events (event_id, processed_at)
		VALUES (?, ?)`, eventID, now)
	if err != nil {
		return false, fmt.Errorf("recording processed event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PruneEvents deletes processed-event rows older than maxAge and returns the
// number of rows removed.
func (s *Store) PruneEvents(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Format(timeFormat)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning processed events: %w", err)
	}
	return res.RowsAffected()
}
