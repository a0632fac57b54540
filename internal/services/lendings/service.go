package lendings

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

// Validator asks an owning service whether an entity currently exists.
// Implemented by the correlated request/response exchange.
type Validator interface {
	Request(ctx context.Context, topic, key string) (events.ValidationResponse, error)
}

// Service owns lendings. Creating a lending validates the book and the
// reader against their owning services and fails closed when either
// answer is negative, missing or late.
type Service struct {
	repo            Repository
	validator       Validator
	loanPeriod      time.Duration
	maxOpenLendings int
	logger          *slog.Logger
}

// NewService creates a new lending service.
func NewService(repo Repository, validator Validator, loanPeriod time.Duration, maxOpenLendings int, logger *slog.Logger) *Service {
	return &Service{
		repo:            repo,
		validator:       validator,
		loanPeriod:      loanPeriod,
		maxOpenLendings: maxOpenLendings,
		logger:          logger.With("service", "lendings"),
	}
}

// Create lends a book to a reader. Both sides are validated against their
// owning services; a timeout counts as a negative answer.
func (s *Service) Create(ctx context.Context, isbn, readerNumber string) (*Lending, error) {
	if isbn == "" || readerNumber == "" {
		return nil, fmt.Errorf("%w: isbn and reader number are required", faults.ErrInvalid)
	}

	if err := s.validate(ctx, events.TopicBookValidationRequest, isbn, "book"); err != nil {
		return nil, err
	}
	if err := s.validate(ctx, events.TopicReaderValidationRequest, readerNumber, "reader"); err != nil {
		return nil, err
	}

	if _, err := s.repo.GetOpenByReaderAndISBN(ctx, readerNumber, isbn); err == nil {
		return nil, fmt.Errorf("%w: reader already holds this book", faults.ErrInvalid)
	} else if !errors.Is(err, faults.ErrNotFound) {
		return nil, fmt.Errorf("lookup open lending: %w", err)
	}

	open, err := s.repo.CountOpenByReader(ctx, readerNumber)
	if err != nil {
		return nil, fmt.Errorf("count open lendings: %w", err)
	}
	if open >= s.maxOpenLendings {
		return nil, fmt.Errorf("%w: reader has reached the lending limit", faults.ErrInvalid)
	}

	number, err := s.repo.NextLendingNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("draw lending number: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}

	now := clock.Now()
	lending := &Lending{
		ID:            id,
		LendingNumber: number,
		ISBN:          isbn,
		ReaderNumber:  readerNumber,
		StartedAt:     now,
		DueAt:         now.Add(s.loanPeriod),
		Version:       1,
	}
	if err := s.repo.Create(ctx, lending); err != nil {
		return nil, fmt.Errorf("create lending %s: %w", number, err)
	}

	s.logger.Info("lending created",
		"lending_number", number, "isbn", isbn, "reader_number", readerNumber)
	return lending, nil
}

func (s *Service) validate(ctx context.Context, topic, key, what string) error {
	response, err := s.validator.Request(ctx, topic, key)
	if errors.Is(err, faults.ErrValidationTimeout) {
		// The owner did not answer in time; treat the entity as absent.
		return fmt.Errorf("%w: could not confirm %s %s exists", faults.ErrInvalid, what, key)
	}
	if err != nil {
		return fmt.Errorf("validate %s %s: %w", what, key, err)
	}
	if !response.Exists {
		if response.Message != "" {
			return fmt.Errorf("%w: %s", faults.ErrInvalid, response.Message)
		}
		return fmt.Errorf("%w: %s %s does not exist", faults.ErrInvalid, what, key)
	}
	return nil
}

// Return closes a lending guarded by the caller's expected version and
// announces it.
func (s *Service) Return(ctx context.Context, lendingNumber string, expectedVersion int64) (*Lending, error) {
	lending, err := s.repo.GetByNumber(ctx, lendingNumber)
	if err != nil {
		return nil, fmt.Errorf("lookup lending %s: %w", lendingNumber, err)
	}
	if lending.Returned() {
		return nil, fmt.Errorf("%w: lending already returned", faults.ErrInvalid)
	}

	returnedAt := clock.Now()
	event, err := outbox.NewEvent(events.AggregateLending, lendingNumber,
		events.TopicLendingReturned, events.LendingReturned{
			LendingID:     lending.ID,
			LendingNumber: lendingNumber,
			ReturnedAt:    returnedAt,
			Version:       expectedVersion + 1,
		})
	if err != nil {
		return nil, err
	}

	returned, err := s.repo.Return(ctx, lendingNumber, returnedAt, expectedVersion, event)
	if err != nil {
		return nil, fmt.Errorf("return lending %s: %w", lendingNumber, err)
	}

	if returned.Overdue(returnedAt) {
		s.logger.Warn("overdue lending returned",
			"lending_number", lendingNumber, "due_at", returned.DueAt)
	} else {
		s.logger.Info("lending returned", "lending_number", lendingNumber)
	}
	return returned, nil
}

// HandleBookCreated applies a freshly replicated book.
func (s *Service) HandleBookCreated(ctx context.Context, envelope *events.Envelope) error {
	var replicated events.BookReplicated
	if err := envelope.ParsePayload(&replicated); err != nil {
		return fmt.Errorf("parse book replica: %w", err)
	}

	err := s.repo.UpsertBookReplica(ctx, &BookReplica{
		BookID:  replicated.BookID,
		ISBN:    replicated.ISBN,
		Title:   replicated.Title,
		Version: replicated.Version,
	})
	if err != nil {
		return fmt.Errorf("upsert book replica %s: %w", replicated.ISBN, err)
	}
	return nil
}

// HandleBookUpdated applies a replicated book update. The update lands
// only when it is exactly one version ahead of the stored replica. A
// replica already at or past the incoming version is a redelivered
// duplicate, absorbed as a no-op; any other mismatch is a version
// conflict — a business rejection the consumer logs and drops, not a
// transport failure to requeue.
func (s *Service) HandleBookUpdated(ctx context.Context, envelope *events.Envelope) error {
	var replicated events.BookReplicated
	if err := envelope.ParsePayload(&replicated); err != nil {
		return fmt.Errorf("parse book replica: %w", err)
	}

	err := s.repo.ApplyBookUpdate(ctx, replicated.ISBN, replicated.Title, replicated.Version)
	if errors.Is(err, faults.ErrVersionConflict) {
		s.logger.Warn("rejecting out-of-order book replica update",
			"isbn", replicated.ISBN, "incoming_version", replicated.Version)
		return err
	}
	if err != nil {
		return fmt.Errorf("apply book replica update %s: %w", replicated.ISBN, err)
	}
	return nil
}

// HandleBookDeleted removes a replicated book.
func (s *Service) HandleBookDeleted(ctx context.Context, envelope *events.Envelope) error {
	var replicated events.BookReplicated
	if err := envelope.ParsePayload(&replicated); err != nil {
		return fmt.Errorf("parse book replica: %w", err)
	}

	if err := s.repo.DeleteBookReplica(ctx, replicated.ISBN); err != nil {
		return fmt.Errorf("delete book replica %s: %w", replicated.ISBN, err)
	}
	return nil
}

// HandleReaderCreated applies a freshly replicated reader.
func (s *Service) HandleReaderCreated(ctx context.Context, envelope *events.Envelope) error {
	var replicated events.ReaderReplicated
	if err := envelope.ParsePayload(&replicated); err != nil {
		return fmt.Errorf("parse reader replica: %w", err)
	}

	err := s.repo.UpsertReaderReplica(ctx, &ReaderReplica{
		ReaderID:     replicated.ReaderID,
		ReaderNumber: replicated.ReaderNumber,
		FullName:     replicated.FullName,
		Version:      replicated.Version,
	})
	if err != nil {
		return fmt.Errorf("upsert reader replica %s: %w", replicated.ReaderNumber, err)
	}
	return nil
}
