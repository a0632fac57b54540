package genres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// Service owns the genre side of the book creation saga: on a book
// creation request it resolves the genre by name, creating it when absent,
// and signals the author service with a genre-pending event.
type Service struct {
	repo      Repository
	publisher Emitter
	logger    *slog.Logger
}

// NewService creates a new genre service.
func NewService(repo Repository, publisher Emitter, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With("service", "genres"),
	}
}

// HandleBookRequested reacts to a book creation request by finding or
// creating the requested genre. A name collision with a concurrent
// request is resolved by the unique index on the name: the loser re-reads
// and proceeds with the winner's row.
func (s *Service) HandleBookRequested(ctx context.Context, envelope *events.Envelope) error {
	var request events.BookCreationRequested
	if err := envelope.ParsePayload(&request); err != nil {
		return fmt.Errorf("parse book creation request: %w", err)
	}

	if request.GenreName == "" {
		return s.fail(ctx, request.ISBN, "genre name is required")
	}

	genre, err := s.repo.GetByName(ctx, request.GenreName)
	switch {
	case err == nil:
		// Existing genre: the pending event is the only write.
		return s.publisher.Emit(ctx, events.AggregateGenre, request.ISBN,
			events.TopicGenrePending, s.pendingPayload(request, genre))

	case errors.Is(err, faults.ErrNotFound):
		return s.create(ctx, request)

	default:
		return fmt.Errorf("lookup genre %q: %w", request.GenreName, err)
	}
}

func (s *Service) create(ctx context.Context, request events.BookCreationRequested) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	genre := &Genre{
		ID:        id,
		Name:      request.GenreName,
		CreatedAt: clock.Now(),
	}

	event, err := outbox.NewEvent(events.AggregateGenre, request.ISBN,
		events.TopicGenrePending, s.pendingPayload(request, genre))
	if err != nil {
		return err
	}

	err = s.repo.CreateWithEvent(ctx, genre, event)
	if faults.IsUniqueViolation(err) {
		// Lost the race: another request created the genre first.
		existing, readErr := s.repo.GetByName(ctx, request.GenreName)
		if readErr != nil {
			return fmt.Errorf("re-read genre after collision: %w", readErr)
		}
		return s.publisher.Emit(ctx, events.AggregateGenre, request.ISBN,
			events.TopicGenrePending, s.pendingPayload(request, existing))
	}
	if err != nil {
		return fmt.Errorf("create genre %q: %w", request.GenreName, err)
	}

	s.logger.Info("genre created", "genre", genre.Name, "isbn", request.ISBN)
	return nil
}

func (s *Service) pendingPayload(request events.BookCreationRequested, genre *Genre) events.GenrePending {
	return events.GenrePending{
		ISBN:       request.ISBN,
		Title:      request.Title,
		AuthorName: request.AuthorName,
		GenreID:    genre.ID,
		GenreName:  genre.Name,
	}
}

// fail publishes a terminal failure event for the saga and swallows the
// original condition: a validation error must never be redelivered.
func (s *Service) fail(ctx context.Context, isbn, reason string) error {
	s.logger.Warn("rejecting book creation request", "isbn", isbn, "reason", reason)
	return s.publisher.Emit(ctx, events.AggregateBook, isbn,
		events.TopicBookCreationFailed, events.BookCreationFailed{ISBN: isbn, Reason: reason})
}
