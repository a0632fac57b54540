package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/services/authors"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// AuthorRepository implements authors.Repository on PostgreSQL.
type AuthorRepository struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
	logger *slog.Logger
}

// NewAuthorRepository creates a new AuthorRepository.
func NewAuthorRepository(pool *pgxpool.Pool, outboxStore *OutboxStore, logger *slog.Logger) *AuthorRepository {
	return &AuthorRepository{
		pool:   pool,
		outbox: outboxStore,
		logger: logger.With("repository", "authors"),
	}
}

func (r *AuthorRepository) GetByName(ctx context.Context, name string) (*authors.Author, error) {
	query := `SELECT author_id, name, created_at FROM authors WHERE name = $1`

	var author authors.Author
	err := r.pool.QueryRow(ctx, query, name).Scan(&author.ID, &author.Name, &author.CreatedAt)
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query author: %w", err)
	}
	return &author, nil
}

func (r *AuthorRepository) CreateWithEvent(ctx context.Context, author *authors.Author, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `INSERT INTO authors (author_id, name, created_at) VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, query, author.ID, author.Name, author.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert author: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
}
