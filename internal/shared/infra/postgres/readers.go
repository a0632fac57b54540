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
	"github.com/bibliotek/library-services/internal/services/readers"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// ReaderRepository implements readers.Repository on PostgreSQL. Flag
// columns only ever flip from false to true, guarded in the WHERE clause,
// so every signal is absorbed at most once no matter how often it is
// delivered.
type ReaderRepository struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
	logger *slog.Logger
}

// NewReaderRepository creates a new ReaderRepository.
func NewReaderRepository(pool *pgxpool.Pool, outboxStore *OutboxStore, logger *slog.Logger) *ReaderRepository {
	return &ReaderRepository{
		pool:   pool,
		outbox: outboxStore,
		logger: logger.With("repository", "readers"),
	}
}

const sagaColumns = `
	saga_id, reader_number, username, password_hash, full_name, birth_date, phone,
	user_pending_received, reader_pending_received,
	user_finalized_received, reader_finalized_received,
	failed, error_message, requested_at, version
`

func scanSaga(row pgx.Row) (*readers.Saga, error) {
	var saga readers.Saga
	var errMsg sql.NullString
	err := row.Scan(
		&saga.ID, &saga.ReaderNumber, &saga.Username, &saga.PasswordHash,
		&saga.FullName, &saga.BirthDate, &saga.Phone,
		&saga.UserPendingReceived, &saga.ReaderPendingReceived,
		&saga.UserFinalizedReceived, &saga.ReaderFinalizedReceived,
		&saga.Failed, &errMsg, &saga.RequestedAt, &saga.Version,
	)
	if err != nil {
		return nil, err
	}
	saga.ErrorMessage = errMsg.String
	return &saga, nil
}

func (r *ReaderRepository) GetReaderByNumber(ctx context.Context, readerNumber string) (*readers.Reader, error) {
	query := `
		SELECT reader_id, reader_number, full_name, birth_date, phone, temporary, version, created_at
		FROM readers
		WHERE reader_number = $1
	`

	var reader readers.Reader
	err := r.pool.QueryRow(ctx, query, readerNumber).Scan(
		&reader.ID, &reader.ReaderNumber, &reader.FullName, &reader.BirthDate,
		&reader.Phone, &reader.Temporary, &reader.Version, &reader.CreatedAt,
	)
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reader: %w", err)
	}
	return &reader, nil
}

func (r *ReaderRepository) GetSagaByReaderNumber(ctx context.Context, readerNumber string) (*readers.Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM reader_user_sagas WHERE reader_number = $1`

	saga, err := scanSaga(r.pool.QueryRow(ctx, query, readerNumber))
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query saga: %w", err)
	}
	return saga, nil
}

func (r *ReaderRepository) CreateSagaWithEvent(ctx context.Context, saga *readers.Saga, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO reader_user_sagas (saga_id, reader_number, username, password_hash, full_name, birth_date, phone, requested_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`
		_, err := tx.Exec(ctx, query,
			saga.ID, saga.ReaderNumber, saga.Username, saga.PasswordHash,
			saga.FullName, saga.BirthDate, saga.Phone, saga.RequestedAt, saga.Version,
		)
		if err != nil {
			return fmt.Errorf("failed to insert saga: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
}

func (r *ReaderRepository) ReopenSagaWithEvent(ctx context.Context, saga *readers.Saga, event outbox.Event) (bool, error) {
	var reopened bool
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE reader_user_sagas
			SET username = $2, password_hash = $3, full_name = $4, birth_date = $5, phone = $6,
			    user_pending_received = FALSE, reader_pending_received = FALSE,
			    user_finalized_received = FALSE, reader_finalized_received = FALSE,
			    failed = FALSE, error_message = NULL, requested_at = $7, version = version + 1
			WHERE reader_number = $1 AND failed
		`
		result, err := tx.Exec(ctx, query,
			saga.ReaderNumber, saga.Username, saga.PasswordHash,
			saga.FullName, saga.BirthDate, saga.Phone, saga.RequestedAt,
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

func (r *ReaderRepository) CreateReaderWithEvent(ctx context.Context, reader *readers.Reader, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO readers (reader_id, reader_number, full_name, birth_date, phone, temporary, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err := tx.Exec(ctx, query,
			reader.ID, reader.ReaderNumber, reader.FullName, reader.BirthDate,
			reader.Phone, reader.Temporary, reader.Version, reader.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert reader: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
}

func (r *ReaderRepository) SetFlag(ctx context.Context, readerNumber string, flag readers.Flag) (*readers.Saga, bool, error) {
	column, ok := flagColumn(flag)
	if !ok {
		return nil, false, fmt.Errorf("unknown saga flag %q", flag)
	}

	query := `
		UPDATE reader_user_sagas
		SET ` + column + ` = TRUE, version = version + 1
		WHERE reader_number = $1 AND NOT ` + column + ` AND NOT failed
		RETURNING ` + sagaColumns

	saga, err := scanSaga(r.pool.QueryRow(ctx, query, readerNumber))
	if err == nil {
		return saga, true, nil
	}
	if !notFound(err) {
		return nil, false, fmt.Errorf("failed to set saga flag: %w", err)
	}

	// Nothing changed: the flag was already set, the saga failed, or it
	// does not exist. Re-read to tell the caller which.
	saga, err = r.GetSagaByReaderNumber(ctx, readerNumber)
	if err != nil {
		return nil, false, err
	}
	return saga, false, nil
}

func flagColumn(flag readers.Flag) (string, bool) {
	switch flag {
	case readers.FlagUserPending, readers.FlagReaderPending,
		readers.FlagUserFinalized, readers.FlagReaderFinalized:
		return string(flag), true
	default:
		return "", false
	}
}

func (r *ReaderRepository) MarkFailed(ctx context.Context, readerNumber, reason string) (bool, error) {
	query := `
		UPDATE reader_user_sagas
		SET failed = TRUE, error_message = $2, version = version + 1
		WHERE reader_number = $1 AND NOT failed
		  AND NOT (user_finalized_received AND reader_finalized_received)
	`

	result, err := r.pool.Exec(ctx, query, readerNumber, reason)
	if err != nil {
		return false, fmt.Errorf("failed to fail saga: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *ReaderRepository) PromoteReaderWithEvents(ctx context.Context, readerNumber string, finalized, replica outbox.Event) (bool, error) {
	var promoted bool
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE readers
			SET temporary = FALSE, version = version + 1
			WHERE reader_number = $1 AND temporary
		`
		result, err := tx.Exec(ctx, query, readerNumber)
		if err != nil {
			return fmt.Errorf("failed to promote reader: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}
		promoted = true
		if err := r.outbox.Insert(ctx, tx, finalized); err != nil {
			return err
		}
		return r.outbox.Insert(ctx, tx, replica)
	})
	return promoted, err
}

func (r *ReaderRepository) DeleteTemporaryReader(ctx context.Context, readerNumber string) (bool, error) {
	query := `DELETE FROM readers WHERE reader_number = $1 AND temporary`

	result, err := r.pool.Exec(ctx, query, readerNumber)
	if err != nil {
		return false, fmt.Errorf("failed to delete temporary reader: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

func (r *ReaderRepository) ExpireStaleSagas(ctx context.Context, before time.Time, reason string) ([]*readers.Saga, error) {
	query := `
		UPDATE reader_user_sagas
		SET failed = TRUE, error_message = $1, version = version + 1
		WHERE NOT failed
		  AND NOT (user_finalized_received AND reader_finalized_received)
		  AND requested_at < $2
		RETURNING ` + sagaColumns

	rows, err := r.pool.Query(ctx, query, reason, before)
	if err != nil {
		return nil, fmt.Errorf("failed to expire sagas: %w", err)
	}
	defer rows.Close()

	var expired []*readers.Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired saga: %w", err)
		}
		expired = append(expired, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired sagas: %w", err)
	}
	return expired, nil
}
