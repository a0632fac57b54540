package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// Service owns the user credential side of the reader/user creation saga.
// Users created by the saga are temporary until the finalize signal
// promotes them; a failed saga deletes its temporary user.
type Service struct {
	repo      Repository
	publisher Emitter
	logger    *slog.Logger
}

// Emitter appends standalone events to the outbox.
type Emitter interface {
	Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}

// NewService creates a new user service.
func NewService(repo Repository, publisher Emitter, logger *slog.Logger) *Service {
	return &Service{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With("service", "users"),
	}
}

// HandleRequested creates the temporary user for a reader/user saga. An
// existing user with the same username is reused rather than duplicated,
// which also makes redelivery harmless.
func (s *Service) HandleRequested(ctx context.Context, envelope *events.Envelope) error {
	var requested events.ReaderUserRequested
	if err := envelope.ParsePayload(&requested); err != nil {
		return fmt.Errorf("parse reader user requested: %w", err)
	}

	if requested.Username == "" || requested.PasswordHash == "" {
		return s.fail(ctx, requested.ReaderNumber, requested.Username, "username and password are required")
	}

	user, err := s.repo.GetByUsername(ctx, requested.Username)
	switch {
	case err == nil:
		return s.emitPending(ctx, requested.ReaderNumber, user)

	case errors.Is(err, faults.ErrNotFound):
		return s.create(ctx, requested)

	default:
		return fmt.Errorf("lookup user %q: %w", requested.Username, err)
	}
}

func (s *Service) create(ctx context.Context, requested events.ReaderUserRequested) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	user := &User{
		ID:           id,
		Username:     requested.Username,
		PasswordHash: requested.PasswordHash,
		Temporary:    true,
		Version:      1,
		CreatedAt:    clock.Now(),
	}

	event, err := outbox.NewEvent(events.AggregateUser, requested.ReaderNumber,
		events.TopicUserPending, events.UserPending{
			ReaderNumber: requested.ReaderNumber,
			UserID:       user.ID,
			Username:     user.Username,
		})
	if err != nil {
		return err
	}

	err = s.repo.CreateWithEvent(ctx, user, event)
	if faults.IsUniqueViolation(err) {
		existing, readErr := s.repo.GetByUsername(ctx, requested.Username)
		if readErr != nil {
			return fmt.Errorf("re-read user after collision: %w", readErr)
		}
		return s.emitPending(ctx, requested.ReaderNumber, existing)
	}
	if err != nil {
		return fmt.Errorf("create user %q: %w", requested.Username, err)
	}

	s.logger.Info("temporary user created", "username", user.Username, "reader_number", requested.ReaderNumber)
	return nil
}

func (s *Service) emitPending(ctx context.Context, readerNumber string, user *User) error {
	return s.publisher.Emit(ctx, events.AggregateUser, readerNumber,
		events.TopicUserPending, events.UserPending{
			ReaderNumber: readerNumber,
			UserID:       user.ID,
			Username:     user.Username,
		})
}

// HandleFinalize promotes the temporary user to permanent. A user that is
// already permanent (reused, or a redelivered finalize) still answers with
// the finalized event so the saga can complete.
func (s *Service) HandleFinalize(ctx context.Context, envelope *events.Envelope) error {
	var finalize events.ReaderUserFinalize
	if err := envelope.ParsePayload(&finalize); err != nil {
		return fmt.Errorf("parse finalize: %w", err)
	}

	user, err := s.repo.GetByUsername(ctx, finalize.Username)
	if errors.Is(err, faults.ErrNotFound) {
		s.logger.Warn("finalize for unknown user", "username", finalize.Username, "reader_number", finalize.ReaderNumber)
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup user %q: %w", finalize.Username, err)
	}

	event, err := outbox.NewEvent(events.AggregateUser, finalize.ReaderNumber,
		events.TopicUserFinalized, events.UserFinalized{
			ReaderNumber: finalize.ReaderNumber,
			UserID:       user.ID,
		})
	if err != nil {
		return err
	}

	promoted, err := s.repo.PromoteWithEvent(ctx, finalize.Username, event)
	if err != nil {
		return fmt.Errorf("promote user %q: %w", finalize.Username, err)
	}
	if !promoted {
		// Already permanent; still confirm so the tracker is not left
		// waiting.
		return s.publisher.Emit(ctx, events.AggregateUser, finalize.ReaderNumber,
			events.TopicUserFinalized, events.UserFinalized{
				ReaderNumber: finalize.ReaderNumber,
				UserID:       user.ID,
			})
	}

	s.logger.Info("user finalized", "username", finalize.Username, "reader_number", finalize.ReaderNumber)
	return nil
}

// HandleFailed deletes the temporary user of a failed saga. Permanent
// users (reused by the saga) are left untouched.
func (s *Service) HandleFailed(ctx context.Context, envelope *events.Envelope) error {
	var failed events.ReaderUserFailed
	if err := envelope.ParsePayload(&failed); err != nil {
		return fmt.Errorf("parse reader user failed: %w", err)
	}
	if failed.Username == "" {
		return nil
	}

	deleted, err := s.repo.DeleteTemporary(ctx, failed.Username)
	if err != nil {
		return fmt.Errorf("delete temporary user %q: %w", failed.Username, err)
	}
	if deleted {
		s.logger.Info("temporary user removed after saga failure",
			"username", failed.Username, "reason", failed.Reason)
	}
	return nil
}

// Authenticate checks a username/password pair. Temporary users cannot
// log in until their saga finalizes.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.repo.GetByUsername(ctx, username)
	if errors.Is(err, faults.ErrNotFound) {
		// Burn a comparison anyway so missing and wrong-password take
		// the same time.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B4TKh9bQSbl6u7j8bHVIKv6hUuMu"), []byte(password))
		return nil, faults.ErrInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", username, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, faults.ErrInvalid
	}
	if user.Temporary {
		return nil, fmt.Errorf("%w: account is not active yet", faults.ErrInvalid)
	}
	return user, nil
}

func (s *Service) fail(ctx context.Context, readerNumber, username, reason string) error {
	s.logger.Warn("rejecting reader user request", "reader_number", readerNumber, "reason", reason)
	return s.publisher.Emit(ctx, events.AggregateUser, readerNumber,
		events.TopicReaderUserFailed, events.ReaderUserFailed{
			ReaderNumber: readerNumber,
			Username:     username,
			Reason:       reason,
		})
}
