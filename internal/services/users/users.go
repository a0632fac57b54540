package users

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
)

// User is a login credential. A user created by the reader/user saga stays
// temporary until the saga finalizes it; temporary users cannot log in.
type User struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	Temporary    bool
	Version      int64
	CreatedAt    time.Time
}

// Repository persists users.
type Repository interface {
	// GetByUsername returns faults.ErrNotFound when absent.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// CreateWithEvent inserts the user and the pending event in one
	// transaction.
	CreateWithEvent(ctx context.Context, user *User, event outbox.Event) error

	// PromoteWithEvent flips temporary off and stages the finalized event in
	// one transaction. Reports false when the user was already permanent.
	PromoteWithEvent(ctx context.Context, username string, event outbox.Event) (bool, error)

	// DeleteTemporary removes a temporary user left behind by a failed saga.
	// Permanent users are never deleted this way.
	DeleteTemporary(ctx context.Context, username string) (bool, error)
}
