package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/services/users"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// UserRepository implements users.Repository on PostgreSQL.
type UserRepository struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
	logger *slog.Logger
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(pool *pgxpool.Pool, outboxStore *OutboxStore, logger *slog.Logger) *UserRepository {
	return &UserRepository{
		pool:   pool,
		outbox: outboxStore,
		logger: logger.With("repository", "users"),
	}
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*users.User, error) {
	query := `
		SELECT user_id, username, password_hash, temporary, version, created_at
		FROM users
		WHERE username = $1
	`

	var user users.User
	err := r.pool.QueryRow(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Temporary, &user.Version, &user.CreatedAt,
	)
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (r *UserRepository) CreateWithEvent(ctx context.Context, user *users.User, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			INSERT INTO users (user_id, username, password_hash, temporary, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`
		_, err := tx.Exec(ctx, query,
			user.ID, user.Username, user.PasswordHash, user.Temporary, user.Version, user.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
}

func (r *UserRepository) PromoteWithEvent(ctx context.Context, username string, event outbox.Event) (bool, error) {
	var promoted bool
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE users
			SET temporary = FALSE, version = version + 1
			WHERE username = $1 AND temporary
		`
		result, err := tx.Exec(ctx, query, username)
		if err != nil {
			return fmt.Errorf("failed to promote user: %w", err)
		}
		if result.RowsAffected() == 0 {
			return nil
		}
		promoted = true
		return r.outbox.Insert(ctx, tx, event)
	})
	return promoted, err
}

func (r *UserRepository) DeleteTemporary(ctx context.Context, username string) (bool, error) {
	query := `DELETE FROM users WHERE username = $1 AND temporary`

	result, err := r.pool.Exec(ctx, query, username)
	if err != nil {
		return false, fmt.Errorf("failed to delete temporary user: %w", err)
	}
	return result.RowsAffected() > 0, nil
}
