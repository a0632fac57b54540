package authors

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/outbox"
)

// Author is the aggregate owned by this service.
type Author struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
}

// Repository persists authors.
type Repository interface {
	// GetByName returns faults.ErrNotFound when the author does not exist.
	GetByName(ctx context.Context, name string) (*Author, error)

	// CreateWithEvent inserts the author and the outbox event in one
	// transaction.
	CreateWithEvent(ctx context.Context, author *Author, event outbox.Event) error
}

// Emitter stages a domain event for dispatch without a business write.
type Emitter interface {
	Emit(ctx context.Context, aggregateType, aggregateID, eventType string, payload any) error
}
