// Package postgres provides PostgreSQL infrastructure components.
// Implements the Transactional Outbox pattern for safety signal publishing.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// EntryStore persists outbox entries. Claim methods lease rows so concurrent
// relays never publish the same entry twice within the lease.
type EntryStore interface {
	Append(ctx context.Context, entry *OutboxEntry) error
	ClaimPending(ctx context.Context, maxRetries, limit int, lease time.Duration) ([]*OutboxEntry, error)
	ClaimExhausted(ctx context.Context, maxRetries, limit int, lease time.Duration) ([]*OutboxEntry, error)
	MarkProcessed(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	CountPending(ctx context.Context, maxRetries int) (int64, error)
	DeleteProcessed(ctx context.Context, before time.Time) (int64, error)
}

// OutboxStore is the pgx implementation of EntryStore
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore creates an outbox store on the given pool
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Append inserts an entry and fills its ID and CreatedAt
func (s *OutboxStore) Append(ctx context.Context, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := s.pool.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}
	return nil
}

func (s *OutboxStore) ClaimPending(ctx context.Context, maxRetries, limit int, lease time.Duration) ([]*OutboxEntry, error) {
	return s.claim(ctx, "retry_count < $1", maxRetries, limit, lease)
}

func (s *OutboxStore) ClaimExhausted(ctx context.Context, maxRetries, limit int, lease time.Duration) ([]*OutboxEntry, error) {
	return s.claim(ctx, "retry_count >= $1", maxRetries, limit, lease)
}

// claim stamps claimed_at on unprocessed rows whose lease has expired. The
// inner FOR UPDATE SKIP LOCKED keeps concurrent relays off the same rows.
func (s *OutboxStore) claim(ctx context.Context, retryCond string, maxRetries, limit int, lease time.Duration) ([]*OutboxEntry, error) {
	query := `
		UPDATE outbox SET claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox
			WHERE processed_at IS NULL
			  AND ` + retryCond + `
			  AND (claimed_at IS NULL OR claimed_at < NOW() - $3::interval)
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_id, aggregate_type, event_type, payload,
		          kafka_topic, kafka_key, created_at, retry_count, last_error
	`

	rows, err := s.pool.Query(ctx, query, maxRetries, limit, lease.String())
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// MarkFailed bumps the retry count and releases the lease
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_error = $1, claimed_at = NULL, updated_at = NOW()
		WHERE id = $2
	`, errMsg, id)
	return err
}

func (s *OutboxStore) CountPending(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1", maxRetries).Scan(&n)
	return n, err
}

func (s *OutboxStore) DeleteProcessed(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
