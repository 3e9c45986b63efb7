package store

import (
	"context"
	"fmt"
	"time"

	"booking-service/internal/models"
)

// relayLockKey is the advisory lock id that elects the single active relay
const relayLockKey = 72_201_001

// PublishFunc publishes events in the given order and returns the ids the broker acknowledged.
type PublishFunc func(ctx context.Context, events []models.OutboxEvent) ([]int64, error)

// RelayBatch reads up to limit unrelayed events in insertion order, hands
// them to publish, and marks acknowledged ids relayed in the same
// transaction. A transaction-scoped advisory lock keeps a second relay from
// interleaving; when it is held elsewhere RelayBatch returns (0, nil).
// The publish error, if any, is returned after acknowledged rows are committed.
func (s *Store) RelayBatch(ctx context.Context, limit int, publish PublishFunc) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin relay transaction: %w", err)
	}
	defer tx.Rollback()

	var locked bool
	if err := tx.GetContext(ctx, &locked, "SELECT pg_try_advisory_xact_lock($1)", relayLockKey); err != nil {
		return 0, fmt.Errorf("failed to take relay lock: %w", err)
	}
	if !locked {
		return 0, nil
	}

	var events []models.OutboxEvent
	err = tx.SelectContext(ctx, &events, `
		SELECT id, event_id, partition_key, topic, payload, created_at, relayed, relayed_at
		FROM outbox_events
		WHERE relayed = FALSE
		ORDER BY id
		LIMIT $1`,
		limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox events: %w", err)
	}
	if len(events) == 0 {
		return 0, tx.Commit()
	}

	acked, publishErr := publish(ctx, events)

	if len(acked) > 0 {
		if _, err := tx.ExecContext(ctx,
			"UPDATE outbox_events SET relayed = TRUE, relayed_at = NOW() WHERE id = ANY($1)",
			int64Array(acked)); err != nil {
			return 0, fmt.Errorf("failed to mark outbox events relayed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit relay transaction: %w", err)
	}

	return len(acked), publishErr
}

// CountPendingOutbox returns the number of unrelayed events
func (s *Store) CountPendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM outbox_events WHERE relayed = FALSE")
	return n, err
}

// DeleteRelayedBefore removes relayed events older than the cutoff
func (s *Store) DeleteRelayedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM outbox_events WHERE relayed = TRUE AND relayed_at < $1", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete relayed events: %w", err)
	}
	return result.RowsAffected()
}
