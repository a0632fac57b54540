package authors

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

// Service owns the author side of the book creation saga. It reacts to the
// genre-pending signal (the genre is resolved before the author by the
// saga's dependency order), finds or creates the author, announces it with
// an author-pending event and, once the author row is durable, emits the
// book-finalized event that lets the book service commit.
type Service struct {
	repo      Repository
	publisher Emitter
	logger    *slog.Logger
}

// NewService creates a new author service.
func NewService(repo Repository, publisher Emitter, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With("service", "authors"),
	}
}

// HandleGenrePending resolves the author for a pending book creation.
// Redelivery is harmless: an existing author is reused and the downstream
// events are deduplicated by the saga's guarded transitions.
func (s *Service) HandleGenrePending(ctx context.Context, envelope *events.Envelope) error {
	var pending events.GenrePending
	if err := envelope.ParsePayload(&pending); err != nil {
		return fmt.Errorf("parse genre pending: %w", err)
	}

	if pending.AuthorName == "" {
		return s.fail(ctx, pending.ISBN, "author name is required")
	}

	author, err := s.repo.GetByName(ctx, pending.AuthorName)
	switch {
	case err == nil:
		if emitErr := s.publisher.Emit(ctx, events.AggregateAuthor, pending.ISBN,
			events.TopicAuthorPending, s.pendingPayload(pending, author)); emitErr != nil {
			return emitErr
		}

	case errors.Is(err, faults.ErrNotFound):
		author, err = s.create(ctx, pending)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("lookup author %q: %w", pending.AuthorName, err)
	}

	// The author row is durable at this point, so the finalize signal can
	// go out.
	return s.publisher.Emit(ctx, events.AggregateBook, pending.ISBN,
		events.TopicBookFinalized, events.BookFinalized{
			ISBN:       pending.ISBN,
			Title:      pending.Title,
			AuthorID:   author.ID,
			AuthorName: author.Name,
			GenreID:    pending.GenreID,
			GenreName:  pending.GenreName,
		})
}

func (s *Service) create(ctx context.Context, pending events.GenrePending) (*Author, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	author := &Author{
		ID:        id,
		Name:      pending.AuthorName,
		CreatedAt: clock.Now(),
	}

	event, err := outbox.NewEvent(events.AggregateAuthor, pending.ISBN,
		events.TopicAuthorPending, s.pendingPayload(pending, author))
	if err != nil {
		return nil, err
	}

	err = s.repo.CreateWithEvent(ctx, author, event)
	if faults.IsUniqueViolation(err) {
		existing, readErr := s.repo.GetByName(ctx, pending.AuthorName)
		if readErr != nil {
			return nil, fmt.Errorf("re-read author after collision: %w", readErr)
		}
		if emitErr := s.publisher.Emit(ctx, events.AggregateAuthor, pending.ISBN,
			events.TopicAuthorPending, s.pendingPayload(pending, existing)); emitErr != nil {
			return nil, emitErr
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create author %q: %w", pending.AuthorName, err)
	}

	s.logger.Info("author created", "author", author.Name, "isbn", pending.ISBN)
	return author, nil
}

func (s *Service) pendingPayload(pending events.GenrePending, author *Author) events.AuthorPending {
	return events.AuthorPending{
		ISBN:       pending.ISBN,
		AuthorID:   author.ID,
		AuthorName: author.Name,
	}
}

func (s *Service) fail(ctx context.Context, isbn, reason string) error {
	s.logger.Warn("rejecting book creation request", "isbn", isbn, "reason", reason)
	return s.publisher.Emit(ctx, events.AggregateBook, isbn,
		events.TopicBookCreationFailed, events.BookCreationFailed{ISBN: isbn, Reason: reason})
}
