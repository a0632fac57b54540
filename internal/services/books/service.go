package books

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// Service owns the book aggregate and tracks the creation saga that
// resolves a book's author and genre across service boundaries.
type Service struct {
	repo        Repository
	sagaTimeout time.Duration
	logger      *slog.Logger
}

// NewService creates a new book service. sagaTimeout bounds how long a
// creation saga may stay non-terminal before the reaper fails it.
func NewService(repo Repository, sagaTimeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		sagaTimeout: sagaTimeout,
		logger:      logger.With("service", "books"),
	}
}

// RequestCreation starts (or short-circuits) the creation of a book whose
// author and genre may not exist yet. The returned book is non-nil only
// when the book already exists; pending reports that a saga is in flight
// and the caller should poll later. Calling twice with the same ISBN never
// creates a second saga or a second book.
func (s *Service) RequestCreation(ctx context.Context, isbn, title, authorName, genreName string) (*Book, bool, error) {
	if isbn == "" || title == "" || authorName == "" || genreName == "" {
		return nil, false, fmt.Errorf("%w: isbn, title, author name and genre name are required", faults.ErrInvalid)
	}

	book, err := s.repo.GetBookByISBN(ctx, isbn)
	if err == nil {
		return book, false, nil
	}
	if !errors.Is(err, faults.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup book %s: %w", isbn, err)
	}

	saga, err := s.repo.GetSagaByISBN(ctx, isbn)
	switch {
	case err == nil:
		if saga.Status == StatusFailed {
			return s.reopen(ctx, saga, title, authorName, genreName)
		}
		// Saga in flight (or just finished racing this call): report
		// pending rather than duplicating it.
		return nil, true, nil

	case errors.Is(err, faults.ErrNotFound):
		return s.open(ctx, isbn, title, authorName, genreName)

	default:
		return nil, false, fmt.Errorf("lookup saga %s: %w", isbn, err)
	}
}

func (s *Service) open(ctx context.Context, isbn, title, authorName, genreName string) (*Book, bool, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, false, err
	}
	now := clock.Now()
	saga := &CreationSaga{
		ID:          id,
		ISBN:        isbn,
		Title:       title,
		AuthorName:  authorName,
		GenreName:   genreName,
		Status:      StatusPendingAuthorCreation,
		RequestedAt: now,
		UpdatedAt:   now,
	}

	event, err := s.requestEvent(saga)
	if err != nil {
		return nil, false, err
	}

	err = s.repo.CreateSagaWithEvent(ctx, saga, event)
	if faults.IsUniqueViolation(err) {
		// A concurrent request opened the saga first.
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create saga %s: %w", isbn, err)
	}

	s.logger.Info("book creation saga opened",
		"isbn", isbn, "author", authorName, "genre", genreName)
	return nil, true, nil
}

// reopen gives a failed ISBN another chance: a terminal failure does not
// poison the natural key forever.
func (s *Service) reopen(ctx context.Context, saga *CreationSaga, title, authorName, genreName string) (*Book, bool, error) {
	fresh := *saga
	fresh.Title = title
	fresh.AuthorName = authorName
	fresh.GenreName = genreName
	fresh.Status = StatusPendingAuthorCreation
	fresh.ErrorMessage = ""
	fresh.RequestedAt = clock.Now()
	fresh.UpdatedAt = fresh.RequestedAt

	event, err := s.requestEvent(&fresh)
	if err != nil {
		return nil, false, err
	}

	reopened, err := s.repo.ReopenSagaWithEvent(ctx, &fresh, event)
	if err != nil {
		return nil, false, fmt.Errorf("reopen saga %s: %w", saga.ISBN, err)
	}
	if !reopened {
		// Another caller reopened it first; it is pending again.
		return nil, true, nil
	}

	s.logger.Info("failed book creation saga reopened", "isbn", saga.ISBN)
	return nil, true, nil
}

func (s *Service) requestEvent(saga *CreationSaga) (outbox.Event, error) {
	return outbox.NewEvent(events.AggregateBook, saga.ISBN,
		events.TopicBookCreationRequested, events.BookCreationRequested{
			ISBN:       saga.ISBN,
			Title:      saga.Title,
			AuthorName: saga.AuthorName,
			GenreName:  saga.GenreName,
		})
}

// HandleAuthorPending advances the saga when the author service has a
// durable (possibly pre-existing) author. Duplicates and stragglers after
// a failure are no-ops thanks to the guarded transition.
func (s *Service) HandleAuthorPending(ctx context.Context, envelope *events.Envelope) error {
	var pending events.AuthorPending
	if err := envelope.ParsePayload(&pending); err != nil {
		return fmt.Errorf("parse author pending: %w", err)
	}

	advanced, err := s.repo.AdvanceSaga(ctx, pending.ISBN, StatusPendingAuthorCreation, StatusAuthorCreated)
	if err != nil {
		return fmt.Errorf("advance saga %s: %w", pending.ISBN, err)
	}
	if !advanced {
		s.logger.Debug("ignoring author pending for saga not awaiting it", "isbn", pending.ISBN)
	}
	return nil
}

// HandleBookFinalized commits the book with its resolved author and genre
// and closes the saga. Redelivery after the book exists is a no-op.
func (s *Service) HandleBookFinalized(ctx context.Context, envelope *events.Envelope) error {
	var finalized events.BookFinalized
	if err := envelope.ParsePayload(&finalized); err != nil {
		return fmt.Errorf("parse book finalized: %w", err)
	}

	if _, err := s.repo.GetBookByISBN(ctx, finalized.ISBN); err == nil {
		// Already committed by an earlier delivery; make sure the saga
		// reflects it and stop.
		if _, err := s.repo.AdvanceSaga(ctx, finalized.ISBN, StatusAuthorCreated, StatusBookCreated); err != nil {
			return fmt.Errorf("close saga %s: %w", finalized.ISBN, err)
		}
		return nil
	} else if !errors.Is(err, faults.ErrNotFound) {
		return fmt.Errorf("lookup book %s: %w", finalized.ISBN, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	book := &Book{
		ID:        id,
		ISBN:      finalized.ISBN,
		Title:     finalized.Title,
		AuthorID:  finalized.AuthorID,
		GenreID:   finalized.GenreID,
		Version:   1,
		CreatedAt: clock.Now(),
	}

	event, err := outbox.NewEvent(events.AggregateBook, book.ISBN,
		events.TopicBookCreated, s.replicaPayload(book))
	if err != nil {
		return err
	}

	err = s.repo.FinalizeBook(ctx, book, event)
	if faults.IsUniqueViolation(err) {
		// Raced another delivery; the book exists now.
		return nil
	}
	if err != nil {
		return fmt.Errorf("finalize book %s: %w", book.ISBN, err)
	}

	s.logger.Info("book created", "isbn", book.ISBN, "title", book.Title)
	return nil
}

// HandleCreationFailed moves the saga to its terminal failure state.
// Already-created authors and genres stay: they are valid standalone
// entities, so no compensation is needed for them.
func (s *Service) HandleCreationFailed(ctx context.Context, envelope *events.Envelope) error {
	var failed events.BookCreationFailed
	if err := envelope.ParsePayload(&failed); err != nil {
		return fmt.Errorf("parse creation failed: %w", err)
	}

	marked, err := s.repo.FailSaga(ctx, failed.ISBN, failed.Reason)
	if err != nil {
		return fmt.Errorf("fail saga %s: %w", failed.ISBN, err)
	}
	if marked {
		s.logger.Warn("book creation saga failed", "isbn", failed.ISBN, "reason", failed.Reason)
	}
	return nil
}

// Update changes the book title guarded by the caller's expected version
// and replicates the change.
func (s *Service) Update(ctx context.Context, isbn, title string, expectedVersion int64) (*Book, error) {
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", faults.ErrInvalid)
	}

	event, err := outbox.NewEvent(events.AggregateBook, isbn,
		events.TopicBookUpdated, events.BookReplicated{
			ISBN:    isbn,
			Title:   title,
			Version: expectedVersion + 1,
		})
	if err != nil {
		return nil, err
	}

	book, err := s.repo.UpdateBookTitle(ctx, isbn, title, expectedVersion, event)
	if err != nil {
		return nil, fmt.Errorf("update book %s: %w", isbn, err)
	}
	return book, nil
}

// Delete removes the book guarded by the caller's expected version and
// replicates the deletion.
func (s *Service) Delete(ctx context.Context, isbn string, expectedVersion int64) error {
	event, err := outbox.NewEvent(events.AggregateBook, isbn,
		events.TopicBookDeleted, events.BookReplicated{
			ISBN:    isbn,
			Version: expectedVersion + 1,
		})
	if err != nil {
		return err
	}

	if err := s.repo.DeleteBook(ctx, isbn, expectedVersion, event); err != nil {
		return fmt.Errorf("delete book %s: %w", isbn, err)
	}
	return nil
}

// LookupISBN answers validation requests from the lending service.
func (s *Service) LookupISBN(ctx context.Context, isbn string) (bool, string, error) {
	_, err := s.repo.GetBookByISBN(ctx, isbn)
	switch {
	case err == nil:
		return true, "", nil
	case errors.Is(err, faults.ErrNotFound):
		return false, "book not found", nil
	default:
		return false, "", err
	}
}

// ExpireStaleSagas fails creation sagas that have been non-terminal
// longer than the configured timeout. Run periodically by the janitor.
func (s *Service) ExpireStaleSagas(ctx context.Context) (int64, error) {
	cutoff := clock.Now().Add(-s.sagaTimeout)
	expired, err := s.repo.ExpireStaleSagas(ctx, cutoff, "request expired")
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.logger.Warn("expired stale book creation sagas", "count", expired)
	}
	return expired, nil
}

func (s *Service) replicaPayload(book *Book) events.BookReplicated {
	return events.BookReplicated{
		BookID:  book.ID,
		ISBN:    book.ISBN,
		Title:   book.Title,
		Version: book.Version,
	}
}
