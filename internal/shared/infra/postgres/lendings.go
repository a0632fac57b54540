package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/services/lendings"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// LendingRepository implements lendings.Repository on PostgreSQL.
type LendingRepository struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
	logger *slog.Logger
}

// NewLendingRepository creates a new LendingRepository.
func NewLendingRepository(pool *pgxpool.Pool, outboxStore *OutboxStore, logger *slog.Logger) *LendingRepository {
	return &LendingRepository{
		pool:   pool,
		outbox: outboxStore,
		logger: logger.With("repository", "lendings"),
	}
}

const lendingColumns = `lending_id, lending_number, isbn, reader_number, started_at, due_at, returned_at, version`

func scanLending(row pgx.Row) (*lendings.Lending, error) {
	var lending lendings.Lending
	err := row.Scan(
		&lending.ID, &lending.LendingNumber, &lending.ISBN, &lending.ReaderNumber,
		&lending.StartedAt, &lending.DueAt, &lending.ReturnedAt, &lending.Version,
	)
	if err != nil {
		return nil, err
	}
	return &lending, nil
}

func (r *LendingRepository) GetByNumber(ctx context.Context, lendingNumber string) (*lendings.Lending, error) {
	query := `SELECT ` + lendingColumns + ` FROM lendings WHERE lending_number = $1`

	lending, err := scanLending(r.pool.QueryRow(ctx, query, lendingNumber))
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query lending: %w", err)
	}
	return lending, nil
}

func (r *LendingRepository) GetOpenByReaderAndISBN(ctx context.Context, readerNumber, isbn string) (*lendings.Lending, error) {
	query := `
		SELECT ` + lendingColumns + `
		FROM lendings
		WHERE reader_number = $1 AND isbn = $2 AND returned_at IS NULL
	`

	lending, err := scanLending(r.pool.QueryRow(ctx, query, readerNumber, isbn))
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open lending: %w", err)
	}
	return lending, nil
}

// NextLendingNumber draws the next number formatted as <year>/<sequence>.
func (r *LendingRepository) NextLendingNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('lending_number_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to draw lending number: %w", err)
	}
	return fmt.Sprintf("%d/%d", clock.Now().Year(), seq), nil
}

func (r *LendingRepository) Create(ctx context.Context, lending *lendings.Lending) error {
	query := `
		INSERT INTO lendings (lending_id, lending_number, isbn, reader_number, started_at, due_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		lending.ID, lending.LendingNumber, lending.ISBN, lending.ReaderNumber,
		lending.StartedAt, lending.DueAt, lending.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lending: %w", err)
	}
	return nil
}

func (r *LendingRepository) Return(ctx context.Context, lendingNumber string, returnedAt time.Time, expectedVersion int64, event outbox.Event) (*lendings.Lending, error) {
	var lending *lendings.Lending
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE lendings
			SET returned_at = $3, version = version + 1
			WHERE lending_number = $1 AND version = $2 AND returned_at IS NULL
			RETURNING ` + lendingColumns

		var err error
		lending, err = scanLending(tx.QueryRow(ctx, query, lendingNumber, expectedVersion, returnedAt))
		if notFound(err) {
			return faults.ErrVersionConflict
		}
		if err != nil {
			return fmt.Errorf("failed to return lending: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return lending, nil
}

func (r *LendingRepository) CountOpenByReader(ctx context.Context, readerNumber string) (int, error) {
	query := `SELECT COUNT(*) FROM lendings WHERE reader_number = $1 AND returned_at IS NULL`

	var count int
	if err := r.pool.QueryRow(ctx, query, readerNumber).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open lendings: %w", err)
	}
	return count, nil
}

// UpsertBookReplica applies a replica snapshot. The version guard makes
// redeliveries and reordered snapshots harmless: an older version never
// overwrites a newer one.
func (r *LendingRepository) UpsertBookReplica(ctx context.Context, replica *lendings.BookReplica) error {
	query := `
		INSERT INTO book_replicas (book_id, isbn, title, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (isbn) DO UPDATE
		SET title = EXCLUDED.title, version = EXCLUDED.version
		WHERE book_replicas.version < EXCLUDED.version
	`

	_, err := r.pool.Exec(ctx, query, replica.BookID, replica.ISBN, replica.Title, replica.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert book replica: %w", err)
	}
	return nil
}

// ApplyBookUpdate lands an update only when it is exactly the successor of
// the stored version.
func (r *LendingRepository) ApplyBookUpdate(ctx context.Context, isbn, title string, version int64) error {
	query := `
		UPDATE book_replicas
		SET title = $2, version = $3
		WHERE isbn = $1 AND version = $3 - 1
	`

	result, err := r.pool.Exec(ctx, query, isbn, title, version)
	if err != nil {
		return fmt.Errorf("failed to update book replica: %w", err)
	}
	if result.RowsAffected() == 0 {
		var current int64
		err := r.pool.QueryRow(ctx, `SELECT version FROM book_replicas WHERE isbn = $1`, isbn).Scan(&current)
		if notFound(err) {
			return faults.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read replica version: %w", err)
		}
		if current >= version {
			// Stale duplicate; the replica already caught up.
			return nil
		}
		return faults.ErrVersionConflict
	}
	return nil
}

func (r *LendingRepository) DeleteBookReplica(ctx context.Context, isbn string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM book_replicas WHERE isbn = $1`, isbn); err != nil {
		return fmt.Errorf("failed to delete book replica: %w", err)
	}
	return nil
}

func (r *LendingRepository) UpsertReaderReplica(ctx context.Context, replica *lendings.ReaderReplica) error {
	query := `
		INSERT INTO reader_replicas (reader_id, reader_number, full_name, version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reader_number) DO UPDATE
		SET full_name = EXCLUDED.full_name, version = EXCLUDED.version
		WHERE reader_replicas.version < EXCLUDED.version
	`

	_, err := r.pool.Exec(ctx, query, replica.ReaderID, replica.ReaderNumber, replica.FullName, replica.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert reader replica: %w", err)
	}
	return nil
}
