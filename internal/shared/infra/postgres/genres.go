package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/services/genres"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// GenreRepository implements genres.Repository on PostgreSQL.
type GenreRepository struct {
	pool   *pgxpool.Pool
	outbox *OutboxStore
	logger *slog.Logger
}

// NewGenreRepository creates a new GenreRepository.
func NewGenreRepository(pool *pgxpool.Pool, outboxStore *OutboxStore, logger *slog.Logger) *GenreRepository {
	return &GenreRepository{
		pool:   pool,
		outbox: outboxStore,
		logger: logger.With("repository", "genres"),
	}
}

func (r *GenreRepository) GetByName(ctx context.Context, name string) (*genres.Genre, error) {
	query := `SELECT genre_id, name, created_at FROM genres WHERE name = $1`

	var genre genres.Genre
	err := r.pool.QueryRow(ctx, query, name).Scan(&genre.ID, &genre.Name, &genre.CreatedAt)
	if notFound(err) {
		return nil, faults.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query genre: %w", err)
	}
	return &genre, nil
}

func (r *GenreRepository) CreateWithEvent(ctx context.Context, genre *genres.Genre, event outbox.Event) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		query := `INSERT INTO genres (genre_id, name, created_at) VALUES ($1, $2, $3)`
		if _, err := tx.Exec(ctx, query, genre.ID, genre.Name, genre.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert genre: %w", err)
		}
		return r.outbox.Insert(ctx, tx, event)
	})
}
