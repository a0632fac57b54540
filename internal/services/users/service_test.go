package users

import (
	"context"
	"log/slog"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

const testReaderNumber = "2024/17"

func requestedEnvelope(t *testing.T, requested events.ReaderUserRequested) *events.Envelope {
	t.Helper()
	envelope, err := events.NewEnvelope(events.TopicReaderUserRequested, requested.ReaderNumber, requested)
	require.NoError(t, err)
	return envelope
}

func finalizeEnvelope(t *testing.T, username string) *events.Envelope {
	t.Helper()
	envelope, err := events.NewEnvelope(events.TopicReaderUserFinalize, testReaderNumber, events.ReaderUserFinalize{
		ReaderNumber: testReaderNumber,
		Username:     username,
	})
	require.NoError(t, err)
	return envelope
}

func marisa() events.ReaderUserRequested {
	return events.ReaderUserRequested{
		ReaderNumber: testReaderNumber,
		Username:     "marisa",
		PasswordHash: "$2a$10$notarealhashbutlongenough0000000000000000000000000000",
		FullName:     "Marisa Silva",
	}
}

func TestHandleRequested_CreatesTemporaryUserWithPendingEvent(t *testing.T) {
	var created *User
	var staged outbox.Event

	repo := &mockRepository{
		CreateWithEventFn: func(ctx context.Context, user *User, event outbox.Event) error {
			created = user
			staged = event
			return nil
		},
	}

	s := NewService(repo, &mockEmitter{}, slog.Default())
	require.NoError(t, s.HandleRequested(context.Background(), requestedEnvelope(t, marisa())))

	require.NotNil(t, created)
	assert.True(t, created.Temporary)
	assert.Equal(t, "marisa", created.Username)
	assert.Equal(t, events.TopicUserPending, staged.Envelope.EventType)

	var payload events.UserPending
	require.NoError(t, staged.Envelope.ParsePayload(&payload))
	assert.Equal(t, created.ID, payload.UserID)
	assert.Equal(t, testReaderNumber, payload.ReaderNumber)
}

func TestHandleRequested_ExistingUsernameIsReused(t *testing.T) {
	existing := &User{ID: uuid.Must(uuid.NewV4()), Username: "marisa", Temporary: false}

	repo := &mockRepository{
		GetByUsernameFn: func(ctx context.Context, username string) (*User, error) {
			return existing, nil
		},
		CreateWithEventFn: func(ctx context.Context, user *User, event outbox.Event) error {
			t.Fatal("an existing username must not be re-created")
			return nil
		},
	}
	emitter := &mockEmitter{}

	s := NewService(repo, emitter, slog.Default())
	require.NoError(t, s.HandleRequested(context.Background(), requestedEnvelope(t, marisa())))

	pending := emitter.byType(events.TopicUserPending)
	require.Len(t, pending, 1)
	assert.Equal(t, existing.ID, pending[0].Payload.(events.UserPending).UserID)
}

func TestHandleRequested_CreationRaceFallsBackToWinner(t *testing.T) {
	winner := &User{ID: uuid.Must(uuid.NewV4()), Username: "marisa"}
	calls := 0

	repo := &mockRepository{
		GetByUsernameFn: func(ctx context.Context, username string) (*User, error) {
			calls++
			if calls == 1 {
				return nil, faults.ErrNotFound
			}
			return winner, nil
		},
		CreateWithEventFn: func(ctx context.Context, user *User, event outbox.Event) error {
			return &pgconn.PgError{Code: "23505"}
		},
	}
	emitter := &mockEmitter{}

	s := NewService(repo, emitter, slog.Default())
	require.NoError(t, s.HandleRequested(context.Background(), requestedEnvelope(t, marisa())))

	pending := emitter.byType(events.TopicUserPending)
	require.Len(t, pending, 1)
	assert.Equal(t, winner.ID, pending[0].Payload.(events.UserPending).UserID)
}

func TestHandleRequested_MissingCredentialsFailSaga(t *testing.T) {
	emitter := &mockEmitter{}
	requested := marisa()
	requested.PasswordHash = ""

	s := NewService(&mockRepository{}, emitter, slog.Default())
	require.NoError(t, s.HandleRequested(context.Background(), requestedEnvelope(t, requested)))

	failed := emitter.byType(events.TopicReaderUserFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "marisa", failed[0].Payload.(events.ReaderUserFailed).Username)
	assert.Empty(t, emitter.byType(events.TopicUserPending))
}

func TestHandleFinalize_PromotesTemporaryUser(t *testing.T) {
	user := &User{ID: uuid.Must(uuid.NewV4()), Username: "marisa", Temporary: true}
	var staged outbox.Event

	repo := &mockRepository{
		GetByUsernameFn: func(ctx context.Context, username string) (*User, error) {
			return user, nil
		},
		PromoteWithEventFn: func(ctx context.Context, username string, event outbox.Event) (bool, error) {
			staged = event
			return true, nil
		},
	}
	emitter := &mockEmitter{}

	s := NewService(repo, emitter, slog.Default())
	require.NoError(t, s.HandleFinalize(context.Background(), finalizeEnvelope(t, "marisa")))

	assert.Equal(t, events.TopicUserFinalized, staged.Envelope.EventType)
	assert.Empty(t, emitter.emitted, "the finalized event rides the promote transaction")
}

func TestHandleFinalize_AlreadyPermanentStillConfirms(t *testing.T) {
	user := &User{ID: uuid.Must(uuid.NewV4()), Username: "marisa", Temporary: false}

	repo := &mockRepository{
		GetByUsernameFn: func(ctx context.Context, username string) (*User, error) {
			return user, nil
		},
		PromoteWithEventFn: func(ctx context.Context, username string, event outbox.Event) (bool, error) {
			return false, nil
		},
	}
	emitter := &mockEmitter{}

	s := NewService(repo, emitter, slog.Default())
	require.NoError(t, s.HandleFinalize(context.Background(), finalizeEnvelope(t, "marisa")))

	finalized := emitter.byType(events.TopicUserFinalized)
	require.Len(t, finalized, 1)
	assert.Equal(t, user.ID, finalized[0].Payload.(events.UserFinalized).UserID)
}

func TestHandleFinalize_UnknownUserIsDropped(t *testing.T) {
	s := NewService(&mockRepository{}, &mockEmitter{}, slog.Default())
	require.NoError(t, s.HandleFinalize(context.Background(), finalizeEnvelope(t, "ghost")))
}

func TestHandleFailed_RemovesOnlyTemporaryUser(t *testing.T) {
	var deletedUsername string

	repo := &mockRepository{
		DeleteTemporaryFn: func(ctx context.Context, username string) (bool, error) {
			deletedUsername = username
			return true, nil
		},
	}

	envelope, err := events.NewEnvelope(events.TopicReaderUserFailed, testReaderNumber, events.ReaderUserFailed{
		ReaderNumber: testReaderNumber,
		Username:     "marisa",
		Reason:       "reader number already taken",
	})
	require.NoError(t, err)

	s := NewService(repo, &mockEmitter{}, slog.Default())
	require.NoError(t, s.HandleFailed(context.Background(), envelope))
	assert.Equal(t, "marisa", deletedUsername)
}

func TestAuthenticate(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	tests := []struct {
		name     string
		user     *User
		password string
		wantErr  bool
	}{
		{
			name:     "correct password on permanent user",
			user:     &User{Username: "marisa", PasswordHash: string(hash)},
			password: "s3cret",
		},
		{
			name:     "wrong password",
			user:     &User{Username: "marisa", PasswordHash: string(hash)},
			password: "nope",
			wantErr:  true,
		},
		{
			name:     "temporary user cannot log in",
			user:     &User{Username: "marisa", PasswordHash: string(hash), Temporary: true},
			password: "s3cret",
			wantErr:  true,
		},
		{
			name:     "unknown user",
			user:     nil,
			password: "s3cret",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockRepository{
				GetByUsernameFn: func(ctx context.Context, username string) (*User, error) {
					if tt.user == nil {
						return nil, faults.ErrNotFound
					}
					return tt.user, nil
				},
			}

			s := NewService(repo, &mockEmitter{}, slog.Default())
			user, err := s.Authenticate(context.Background(), "marisa", tt.password)
			if tt.wantErr {
				require.ErrorIs(t, err, faults.ErrInvalid)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
		})
	}
}
