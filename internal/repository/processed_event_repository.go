package repository

import (
	"context"
	"fmt"

	"github.com/spbu-ds-practicum-2025/example-project/services/history-service/internal/db"
)

// ProcessedEventRepository is the idempotency ledger of handled inbound event ids
type ProcessedEventRepository struct {
	pool db.DBTX
}

// NewProcessedEventRepository creates a new ledger repository
func NewProcessedEventRepository(pool db.DBTX) *ProcessedEventRepository {
	return &ProcessedEventRepository{pool: pool}
}

// Exists reports whether eventID has already been processed
func (r *ProcessedEventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`,
		eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event %s: %w", eventID, err)
	}
	return exists, nil
}

// Record marks eventID as processed. Recording the same id twice is a no-op.
func (r *ProcessedEventRepository) Record(ctx context.Context, eventID, topic string) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`INSERT INTO processed_events (event_id, topic, processed_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, topic,
	)
	if err != nil {
		return fmt.Errorf("failed to record processed event %s: %w", eventID, err)
	}
	return nil
}
