package readers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// Emitter appends standalone events to the outbox.
type Emitter interface {
	Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}

// Service owns the reader profile and tracks the reader/user creation
// saga. It creates the saga record, absorbs the four once-only signals in
// whatever order they arrive, and drives finalization once both pending
// signals are in.
type Service struct {
	repo        Repository
	publisher   Emitter
	sagaTimeout time.Duration
	logger      *slog.Logger
}

// NewService creates a new reader service.
func NewService(repo Repository, publisher Emitter, sagaTimeout time.Duration, logger *slog.Logger) *Service {
	return &Service{
		repo:        repo,
		publisher:   publisher,
		sagaTimeout: sagaTimeout,
		logger:      logger.With("service", "readers"),
	}
}

// RequestCreation starts (or short-circuits) the coordinated creation of a
// reader profile and its login credential. The raw password is hashed here
// so it never reaches the database or the broker. The returned reader is
// non-nil only when the reader already exists.
func (s *Service) RequestCreation(ctx context.Context, readerNumber, username, password, fullName string, birthDate time.Time, phone string) (*Reader, bool, error) {
	if readerNumber == "" || username == "" || password == "" || fullName == "" {
		return nil, false, fmt.Errorf("%w: reader number, username, password and full name are required", faults.ErrInvalid)
	}

	reader, err := s.repo.GetReaderByNumber(ctx, readerNumber)
	if err == nil && !reader.Temporary {
		return reader, false, nil
	}
	if err != nil && !errors.Is(err, faults.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup reader %s: %w", readerNumber, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, fmt.Errorf("hash password: %w", err)
	}

	saga, err := s.repo.GetSagaByReaderNumber(ctx, readerNumber)
	switch {
	case err == nil:
		if saga.Status() == StatusFailed {
			return s.reopen(ctx, saga, username, string(hash), fullName, birthDate, phone)
		}
		return nil, true, nil

	case errors.Is(err, faults.ErrNotFound):
		return s.open(ctx, readerNumber, username, string(hash), fullName, birthDate, phone)

	default:
		return nil, false, fmt.Errorf("lookup saga %s: %w", readerNumber, err)
	}
}

func (s *Service) open(ctx context.Context, readerNumber, username, passwordHash, fullName string, birthDate time.Time, phone string) (*Reader, bool, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, false, err
	}
	saga := &Saga{
		ID:           id,
		ReaderNumber: readerNumber,
		Username:     username,
		PasswordHash: passwordHash,
		FullName:     fullName,
		BirthDate:    birthDate,
		Phone:        phone,
		RequestedAt:  clock.Now(),
		Version:      1,
	}

	event, err := s.requestEvent(saga)
	if err != nil {
		return nil, false, err
	}

	err = s.repo.CreateSagaWithEvent(ctx, saga, event)
	if faults.IsUniqueViolation(err) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create saga %s: %w", readerNumber, err)
	}

	s.logger.Info("reader user creation saga opened",
		"reader_number", readerNumber, "username", username)
	return nil, true, nil
}

func (s *Service) reopen(ctx context.Context, saga *Saga, username, passwordHash, fullName string, birthDate time.Time, phone string) (*Reader, bool, error) {
	fresh := *saga
	fresh.Username = username
	fresh.PasswordHash = passwordHash
	fresh.FullName = fullName
	fresh.BirthDate = birthDate
	fresh.Phone = phone
	fresh.UserPendingReceived = false
	fresh.ReaderPendingReceived = false
	fresh.UserFinalizedReceived = false
	fresh.ReaderFinalizedReceived = false
	fresh.Failed = false
	fresh.ErrorMessage = ""
	fresh.RequestedAt = clock.Now()

	event, err := s.requestEvent(&fresh)
	if err != nil {
		return nil, false, err
	}

	reopened, err := s.repo.ReopenSagaWithEvent(ctx, &fresh, event)
	if err != nil {
		return nil, false, fmt.Errorf("reopen saga %s: %w", saga.ReaderNumber, err)
	}
	if reopened {
		s.logger.Info("failed reader user saga reopened", "reader_number", saga.ReaderNumber)
	}
	return nil, true, nil
}

func (s *Service) requestEvent(saga *Saga) (outbox.Event, error) {
	return outbox.NewEvent(events.AggregateReader, saga.ReaderNumber,
		events.TopicReaderUserRequested, events.ReaderUserRequested{
			ReaderNumber: saga.ReaderNumber,
			Username:     saga.Username,
			PasswordHash: saga.PasswordHash,
			FullName:     saga.FullName,
			BirthDate:    saga.BirthDate,
			Phone:        saga.Phone,
		})
}

// HandleRequested creates the temporary reader profile for the saga. The
// user service consumes the same event independently.
func (s *Service) HandleRequested(ctx context.Context, envelope *events.Envelope) error {
	var requested events.ReaderUserRequested
	if err := envelope.ParsePayload(&requested); err != nil {
		return fmt.Errorf("parse reader user requested: %w", err)
	}

	reader, err := s.repo.GetReaderByNumber(ctx, requested.ReaderNumber)
	switch {
	case err == nil && reader.Temporary:
		// Redelivery: the temporary profile exists, re-announce it.
		return s.emitReaderPending(ctx, requested.ReaderNumber, reader.ID)

	case err == nil:
		return s.fail(ctx, requested.ReaderNumber, requested.Username, "reader number already taken")

	case errors.Is(err, faults.ErrNotFound):
		return s.createTemporary(ctx, requested)

	default:
		return fmt.Errorf("lookup reader %s: %w", requested.ReaderNumber, err)
	}
}

func (s *Service) createTemporary(ctx context.Context, requested events.ReaderUserRequested) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	reader := &Reader{
		ID:           id,
		ReaderNumber: requested.ReaderNumber,
		FullName:     requested.FullName,
		BirthDate:    requested.BirthDate,
		Phone:        requested.Phone,
		Temporary:    true,
		Version:      1,
		CreatedAt:    clock.Now(),
	}

	event, err := outbox.NewEvent(events.AggregateReader, reader.ReaderNumber,
		events.TopicReaderPending, events.ReaderPending{
			ReaderNumber: reader.ReaderNumber,
			ReaderID:     reader.ID,
		})
	if err != nil {
		return err
	}

	err = s.repo.CreateReaderWithEvent(ctx, reader, event)
	if faults.IsUniqueViolation(err) {
		existing, readErr := s.repo.GetReaderByNumber(ctx, requested.ReaderNumber)
		if readErr != nil {
			return fmt.Errorf("re-read reader after collision: %w", readErr)
		}
		if !existing.Temporary {
			return s.fail(ctx, requested.ReaderNumber, requested.Username, "reader number already taken")
		}
		return s.emitReaderPending(ctx, requested.ReaderNumber, existing.ID)
	}
	if err != nil {
		return fmt.Errorf("create temporary reader %s: %w", requested.ReaderNumber, err)
	}

	s.logger.Info("temporary reader created", "reader_number", reader.ReaderNumber)
	return nil
}

func (s *Service) emitReaderPending(ctx context.Context, readerNumber string, readerID uuid.UUID) error {
	return s.publisher.Emit(ctx, events.AggregateReader, readerNumber,
		events.TopicReaderPending, events.ReaderPending{
			ReaderNumber: readerNumber,
			ReaderID:     readerID,
		})
}

// HandleUserPending absorbs the user-pending signal.
func (s *Service) HandleUserPending(ctx context.Context, envelope *events.Envelope) error {
	var pending events.UserPending
	if err := envelope.ParsePayload(&pending); err != nil {
		return fmt.Errorf("parse user pending: %w", err)
	}
	return s.absorb(ctx, pending.ReaderNumber, FlagUserPending)
}

// HandleReaderPending absorbs the reader-pending signal.
func (s *Service) HandleReaderPending(ctx context.Context, envelope *events.Envelope) error {
	var pending events.ReaderPending
	if err := envelope.ParsePayload(&pending); err != nil {
		return fmt.Errorf("parse reader pending: %w", err)
	}
	return s.absorb(ctx, pending.ReaderNumber, FlagReaderPending)
}

// HandleUserFinalized absorbs the user-finalized signal.
func (s *Service) HandleUserFinalized(ctx context.Context, envelope *events.Envelope) error {
	var finalized events.UserFinalized
	if err := envelope.ParsePayload(&finalized); err != nil {
		return fmt.Errorf("parse user finalized: %w", err)
	}
	return s.absorb(ctx, finalized.ReaderNumber, FlagUserFinalized)
}

// HandleReaderFinalized absorbs the reader-finalized signal.
func (s *Service) HandleReaderFinalized(ctx context.Context, envelope *events.Envelope) error {
	var finalized events.ReaderFinalized
	if err := envelope.ParsePayload(&finalized); err != nil {
		return fmt.Errorf("parse reader finalized: %w", err)
	}
	return s.absorb(ctx, finalized.ReaderNumber, FlagReaderFinalized)
}

// absorb flips one flag and reacts to the state the saga lands in. A flag
// that was already set changes nothing and triggers nothing.
func (s *Service) absorb(ctx context.Context, readerNumber string, flag Flag) error {
	saga, changed, err := s.repo.SetFlag(ctx, readerNumber, flag)
	if errors.Is(err, faults.ErrNotFound) {
		s.logger.Warn("signal for unknown saga", "reader_number", readerNumber, "flag", string(flag))
		return nil
	}
	if err != nil {
		return fmt.Errorf("set flag %s on saga %s: %w", flag, readerNumber, err)
	}
	if !changed {
		return nil
	}

	switch saga.Status() {
	case StatusBothPendingCreated:
		// Both halves exist; tell both owners to promote.
		return s.publisher.Emit(ctx, events.AggregateReader, readerNumber,
			events.TopicReaderUserFinalize, events.ReaderUserFinalize{
				ReaderNumber: readerNumber,
				Username:     saga.Username,
			})

	case StatusReaderUserCreated:
		s.logger.Info("reader user creation saga completed", "reader_number", readerNumber)
	}
	return nil
}

// HandleFinalize promotes the temporary reader to permanent and replicates
// it to consuming services.
func (s *Service) HandleFinalize(ctx context.Context, envelope *events.Envelope) error {
	var finalize events.ReaderUserFinalize
	if err := envelope.ParsePayload(&finalize); err != nil {
		return fmt.Errorf("parse finalize: %w", err)
	}

	reader, err := s.repo.GetReaderByNumber(ctx, finalize.ReaderNumber)
	if errors.Is(err, faults.ErrNotFound) {
		s.logger.Warn("finalize for unknown reader", "reader_number", finalize.ReaderNumber)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup reader %s: %w", finalize.ReaderNumber, err)
	}

	finalized, err := outbox.NewEvent(events.AggregateReader, finalize.ReaderNumber,
		events.TopicReaderFinalized, events.ReaderFinalized{
			ReaderNumber: finalize.ReaderNumber,
			ReaderID:     reader.ID,
		})
	if err != nil {
		return err
	}
	replica, err := outbox.NewEvent(events.AggregateReader, finalize.ReaderNumber,
		events.TopicReaderCreated, events.ReaderReplicated{
			ReaderID:     reader.ID,
			ReaderNumber: reader.ReaderNumber,
			FullName:     reader.FullName,
			Version:      reader.Version,
		})
	if err != nil {
		return err
	}

	promoted, err := s.repo.PromoteReaderWithEvents(ctx, finalize.ReaderNumber, finalized, replica)
	if err != nil {
		return fmt.Errorf("promote reader %s: %w", finalize.ReaderNumber, err)
	}
	if !promoted {
		// Already permanent; still confirm so the tracker is not left
		// waiting.
		return s.publisher.Emit(ctx, events.AggregateReader, finalize.ReaderNumber,
			events.TopicReaderFinalized, events.ReaderFinalized{
				ReaderNumber: finalize.ReaderNumber,
				ReaderID:     reader.ID,
			})
	}

	s.logger.Info("reader finalized", "reader_number", finalize.ReaderNumber)
	return nil
}

// HandleFailed records the terminal failure and removes the temporary
// reader. The user service cleans up its half from the same event.
func (s *Service) HandleFailed(ctx context.Context, envelope *events.Envelope) error {
	var failed events.ReaderUserFailed
	if err := envelope.ParsePayload(&failed); err != nil {
		return fmt.Errorf("parse reader user failed: %w", err)
	}

	marked, err := s.repo.MarkFailed(ctx, failed.ReaderNumber, failed.Reason)
	if err != nil {
		return fmt.Errorf("fail saga %s: %w", failed.ReaderNumber, err)
	}
	if !marked {
		return nil
	}

	if _, err := s.repo.DeleteTemporaryReader(ctx, failed.ReaderNumber); err != nil {
		return fmt.Errorf("delete temporary reader %s: %w", failed.ReaderNumber, err)
	}
	s.logger.Warn("reader user creation saga failed",
		"reader_number", failed.ReaderNumber, "reason", failed.Reason)
	return nil
}

// SagaStatus reports the derived state of a saga for polling callers.
func (s *Service) SagaStatus(ctx context.Context, readerNumber string) (SagaStatus, error) {
	saga, err := s.repo.GetSagaByReaderNumber(ctx, readerNumber)
	if err != nil {
		return "", err
	}
	return saga.Status(), nil
}

// LookupReaderNumber answers validation requests from the lending service.
// Temporary readers do not count as existing.
func (s *Service) LookupReaderNumber(ctx context.Context, readerNumber string) (bool, string, error) {
	reader, err := s.repo.GetReaderByNumber(ctx, readerNumber)
	switch {
	case err == nil && reader.Temporary:
		return false, "reader is not active yet", nil
	case err == nil:
		return true, "", nil
	case errors.Is(err, faults.ErrNotFound):
		return false, "reader not found", nil
	default:
		return false, "", err
	}
}

// ExpireStaleSagas fails sagas stuck past the configured timeout and
// broadcasts the failure so both owners clean up their temporary halves.
func (s *Service) ExpireStaleSagas(ctx context.Context) (int64, error) {
	cutoff := clock.Now().Add(-s.sagaTimeout)
	expired, err := s.repo.ExpireStaleSagas(ctx, cutoff, "request expired")
	if err != nil {
		return 0, err
	}

	for _, saga := range expired {
		if err := s.publisher.Emit(ctx, events.AggregateReader, saga.ReaderNumber,
			events.TopicReaderUserFailed, events.ReaderUserFailed{
				ReaderNumber: saga.ReaderNumber,
				Username:     saga.Username,
				Reason:       "request expired",
			}); err != nil {
			return int64(len(expired)), err
		}
	}
	if len(expired) > 0 {
		s.logger.Warn("expired stale reader user sagas", "count", len(expired))
	}
	return int64(len(expired)), nil
}

func (s *Service) fail(ctx context.Context, readerNumber, username, reason string) error {
	s.logger.Warn("rejecting reader user request", "reader_number", readerNumber, "reason", reason)
	return s.publisher.Emit(ctx, events.AggregateReader, readerNumber,
		events.TopicReaderUserFailed, events.ReaderUserFailed{
			ReaderNumber: readerNumber,
			Username:     username,
			Reason:       reason,
		})
}
