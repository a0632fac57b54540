package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/services/books"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// BookRepository implements books.Repository on PostgreSQL. Saga
// transitions are guarded in SQL: the status appears in the WHERE clause,
// so a duplicate or out-of-order transition simply affects zero rows.
type BookRepository struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
	logger *slog.Logger
}

// NewBookRepository creates a new BookRepository.
func NewBookRepository(pool *pgxpool.Pool, outboxStore *OutboxStore, logger *slog.Logger) *BookRepository {
	return &BookRepository{
		pool:   pool,
		outbox: outboxStore,
		logger: logger.With("repository", "books"),
	}
}

func (r *BookRepository) GetBookByISBN(ctx context.Context, isbn string) (*books.Book, error) {
	query := `
		SELECT book_id, isbn, title, author_id, genre_id, version, created_at
		FROM books
		WHERE isbn = $1
	`

	var book books.Book
	err := r.pool.QueryRow(ctx, query, isbn).Scan(
		&book.ID, &book.ISBN, &book.Title, &book.AuthorID, &book.GenreID, &book.Version, &book.CreatedAt,
	)
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query book: %w", err)
	}
	return &book, nil
}

func (r *BookRepository) GetSagaByISBN(ctx context.Context, isbn string) (*books.CreationSaga, error) {
	query := `
		SELECT saga_id, isbn, title, author_name, genre_name, status, error_message, requested_at, updated_at
		FROM book_creation_sagas
		WHERE isbn = $1
	`

	var saga books.CreationSaga
	var errMsg sql.NullString
	err := r.pool.QueryRow(ctx, query, isbn).Scan(
		&saga.ID, &saga.ISBN, &saga.Title, &saga.AuthorName, &saga.GenreName,
		&saga.Status, &errMsg, &saga.RequestedAt, &saga.UpdatedAt,
	)
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query saga: %w", err)
	}
	saga.ErrorMessage = errMsg.String
	return &saga, nil
}

func (r *BookRepository) CreateSagaWithEvent(ctx context.Context, saga *books.CreationSaga, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO book_creation_sagas (saga_id, isbn, title, author_name, genre_name, status, requested_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err := tx.Exec(ctx, query,
			saga.ID, saga.ISBN, saga.Title, saga.AuthorName, saga.GenreName,
			saga.Status, saga.RequestedAt, saga.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert saga: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
}

func (r *BookRepository) ReopenSagaWithEvent(ctx context.Context, saga *books.CreationSaga, event outbox.Event) (bool, error) {
	var reopened bool
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE book_creation_sagas
			SET title = $2, author_name = $3, genre_name = $4,
			    status = $5, error_message = NULL, requested_at = $6, updated_at = $6
			WHERE isbn = $1 AND status = $7
		`
		result, err := tx.Exec(ctx, query,
			saga.ISBN, saga.Title, saga.AuthorName, saga.GenreName,
			saga.Status, saga.RequestedAt, books.StatusFailed,
		)
		if err != nil {
			return fmt.Errorf("failed to reopen saga: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}
		reopened = true
		return r.outbox.Insert(ctx, tx, event)
	})
	return reopened, err
}

func (r *BookRepository) AdvanceSaga(ctx context.Context, isbn string, from, to books.SagaStatus) (bool, error) {
	query := `
		UPDATE book_creation_sagas
		SET status = $3, updated_at = $4
		WHERE isbn = $1 AND status = $2
	`

	result, err := r.pool.Exec(ctx, query, isbn, from, to, clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to advance saga: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *BookRepository) FailSaga(ctx context.Context, isbn, reason string) (bool, error) {
	query := `
		UPDATE book_creation_sagas
		SET status = $2, error_message = $3, updated_at = $4
		WHERE isbn = $1 AND status NOT IN ($2, $5)
	`

	result, err := r.pool.Exec(ctx, query, isbn, books.StatusFailed, reason, clock.Now(), books.StatusBookCreated)
	if err != nil {
		return false, fmt.Errorf("failed to fail saga: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *BookRepository) FinalizeBook(ctx context.Context, book *books.Book, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO books (book_id, isbn, title, author_id, genre_id, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		_, err := tx.Exec(ctx, query,
			book.ID, book.ISBN, book.Title, book.AuthorID, book.GenreID, book.Version, book.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert book: %w", err)
		}

		sagaQuery := `
			UPDATE book_creation_sagas
			SET status = $2, updated_at = $3
			WHERE isbn = $1 AND status <> $4
		`
		if _, err := tx.Exec(ctx, sagaQuery, book.ISBN, books.StatusBookCreated, clock.Now(), books.StatusFailed); err != nil {
			return fmt.Errorf("failed to close saga: %w", err)
		}

		return r.outbox.Insert(ctx, tx, event)
	})
}

func (r *BookRepository) UpdateBookTitle(ctx context.Context, isbn, title string, expectedVersion int64, event outbox.Event) (*books.Book, error) {
	var book books.Book
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE books
			SET title = $3, version = version + 1
			WHERE isbn = $1 AND version = $2
			RETURNING book_id, isbn, title, author_id, genre_id, version, created_at
		`
		err := tx.QueryRow(ctx, query, isbn, expectedVersion, title).Scan(
			&book.ID, &book.ISBN, &book.Title, &book.AuthorID, &book.GenreID, &book.Version, &book.CreatedAt,
		)
		if notFound(err) {
			return r.versionConflict(ctx, isbn)
		}
		if err != nil {
			return fmt.Errorf("failed to update book: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
	if err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *BookRepository) DeleteBook(ctx context.Context, isbn string, expectedVersion int64, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `DELETE FROM books WHERE isbn = $1 AND version = $2`
		result, err := tx.Exec(ctx, query, isbn, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to delete book: %w", err)
		}
		if result.RowsAffected() == 0 {
			return r.versionConflict(ctx, isbn)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
}

// versionConflict distinguishes a stale version from a missing row.
func (r *BookRepository) versionConflict(ctx context.Context, isbn string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE isbn = $1)`, isbn).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check book existence: %w", err)
	}
	if exists {
		return faults.ErrVersionConflict
	}
	return faults.ErrNotFound
}

func (r *BookRepository) ExpireStaleSagas(ctx context.Context, before time.Time, reason string) (int64, error) {
	query := `
		UPDATE book_creation_sagas
		SET status = $1, error_message = $2, updated_at = $3
		WHERE status NOT IN ($1, $4) AND requested_at < $5
	`

	result, err := r.pool.Exec(ctx, query,
		books.StatusFailed, reason, clock.Now(), books.StatusBookCreated, before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire sagas: %w", err)
	}
	return result.RowsAffected(), nil
}
