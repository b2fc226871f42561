package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is one pending row of the outbox table.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Store persists messages in the same transaction as the state change that
// produced them.
type Store interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error
	Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string) error
}

type PGStore struct{}

func NewPGStore() *PGStore {
	return &PGStore{}
}

func (s *PGStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload any) error {
	if topic == "" {
		return fmt.Errorf("outbox: empty topic")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s payload: %w", topic, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, b); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", topic, err)
	}
	return nil
}

// Claim locks up to limit pending messages, oldest first. Rows locked by
// another relay are skipped.
func (s *PGStore) Claim(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id::text, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at, id
LIMIT $1
FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: claim rows: %w", err)
	}
	return out, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	_, err := tx.Exec(ctx, `
UPDATE outbox
SET status = 'processed', attempts = attempts + 1, processed_at = $2
WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("outbox: mark processed %s: %w", id, err)
	}
	return nil
}

// MarkFailed parks a message as dead. Delivery is fire-and-forget, so dead
// messages are kept for inspection only.
func (s *PGStore) MarkFailed(ctx context.Context, tx pgx.Tx, id string, reason string) error {
	_, err := tx.Exec(ctx, `
UPDATE outbox
SET status = 'dead', attempts = attempts + 1, last_error = $2
WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("outbox: mark failed %s: %w", id, err)
	}
	return nil
}
