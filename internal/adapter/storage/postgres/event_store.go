package postgres

import (
	"context"
	"fmt"
	"time"
)

// EventStore implements ports.WebhookEventStore.
type EventStore struct {
	pool Pool
}

func NewEventStore(pool Pool) *EventStore {
	return &EventStore{pool: pool}
}

func (s *EventStore) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed keeps the first processing time when the event is marked twice.
func (s *EventStore) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_webhook_events (event_id, processed_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
		eventID, at)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func (s *EventStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM processed_webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
