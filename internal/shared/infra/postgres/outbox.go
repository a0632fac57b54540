package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
)

// OutboxStore implements outbox.Store and outbox.Appender on PostgreSQL.
// Rows are only ever mutated to advance processed/retry bookkeeping and are
// only deleted by the retention sweep of already-processed rows.
type OutboxStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewOutboxStore creates a new OutboxStore.
func NewOutboxStore(pool *pgxpool.Pool, logger *slog.Logger) *OutboxStore {
	return &OutboxStore{
		pool:   pool,
		logger: logger.With("repository", "outbox"),
	}
}

// Insert appends an event row within the caller's transaction (or against
// the pool when q is the pool). It never talks to the broker.
func (s *OutboxStore) Insert(ctx context.Context, q Querier, event outbox.Event) error {
	payload, err := json.Marshal(event.Envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `
		INSERT INTO outbox (outbox_id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = q.Exec(ctx, query,
		event.Envelope.EventID,
		event.AggregateType,
		event.Envelope.AggregateID,
		event.Envelope.EventType,
		payload,
		event.Envelope.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert into outbox: %w", err)
	}

	s.logger.Debug("event inserted into outbox",
		"event_id", event.Envelope.EventID,
		"event_type", event.Envelope.EventType,
	)

	return nil
}

// Append implements outbox.Appender for events with no surrounding
// business transaction.
func (s *OutboxStore) Append(ctx context.Context, event outbox.Event) error {
	return s.Insert(ctx, s.pool, event)
}

// Begin starts a dispatcher transaction.
func (s *OutboxStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// FetchPendingForUpdate retrieves unprocessed rows in creation order,
// locked for the duration of the caller's transaction. SKIP LOCKED lets a
// second dispatcher instance pass over rows already being published.
// Exhausted rows (retry_count at or past maxRetries) sort at the FIFO
// head forever, so they are filtered here rather than in the dispatcher:
// otherwise they would fill every batch and starve newer rows.
func (s *OutboxStore) FetchPendingForUpdate(ctx context.Context, tx pgx.Tx, limit, maxRetries int) ([]outbox.Entry, error) {
	query := `
		SELECT outbox_id, payload, retry_count, created_at
		FROM outbox
		WHERE NOT processed AND retry_count < $2
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, limit, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	for rows.Next() {
		var entry outbox.Entry
		var payloadBytes []byte

		if err := rows.Scan(&entry.ID, &payloadBytes, &entry.RetryCount, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}

		var envelope events.Envelope
		if err := json.Unmarshal(payloadBytes, &envelope); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
		entry.Envelope = &envelope

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}

	return entries, nil
}

// MarkProcessed records a successful publish.
func (s *OutboxStore) MarkProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	query := `UPDATE outbox SET processed = TRUE, processed_at = $2 WHERE outbox_id = $1`

	result, err := tx.Exec(ctx, query, id, clock.Now())
	if err != nil {
		return fmt.Errorf("failed to mark outbox entry processed: %w", err)
	}
	if result.RowsAffected() == 0 {
		s.logger.Warn("outbox entry not found for processed mark", "outbox_id", id)
	}

	return nil
}

// MarkFailed records a failed publish attempt and leaves the row pending
// for the next pass.
func (s *OutboxStore) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE outbox
		SET retry_count = retry_count + 1, last_retry_at = $2, error_message = $3
		WHERE outbox_id = $1
	`

	_, err := tx.Exec(ctx, query, id, clock.Now(), errMsg)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}

	return nil
}

// DeleteProcessedBefore removes processed rows older than the cutoff.
// Unprocessed rows are never deleted, whatever their age.
func (s *OutboxStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox WHERE processed AND created_at < $1`

	result, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep outbox: %w", err)
	}

	return result.RowsAffected(), nil
}
