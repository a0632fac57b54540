package tests

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bibliotek/library-services/e2e/client"
	"github.com/bibliotek/library-services/e2e/runner"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "reader-user-saga",
		Description: "Reader and user halves converge to permanent records in either order",
		Run:         runReaderUserTest,
	})
}

func runReaderUserTest(ctx context.Context, cfg *runner.Config) error {
	c, err := client.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	readerNumber := client.UniqueID("e2e-reader")
	username := client.UniqueID("e2e-user")

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		return err
	}

	envelope, err := events.NewEnvelope(events.TopicReaderUserRequested, readerNumber, events.ReaderUserRequested{
		ReaderNumber: readerNumber,
		Username:     username,
		PasswordHash: string(hash),
		FullName:     "E2E Reader",
		BirthDate:    time.Date(1990, 3, 14, 0, 0, 0, 0, time.UTC),
		Phone:        "+351911111111",
	})
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, events.TopicReaderUserRequested, envelope); err != nil {
		return fmt.Errorf("failed to publish reader user request: %w", err)
	}

	// Both halves start temporary and get promoted when the finalize
	// signal lands.
	err = c.WaitForRow(ctx, 15*time.Second,
		`SELECT EXISTS (SELECT 1 FROM readers WHERE reader_number = $1 AND NOT temporary)`, readerNumber)
	if err != nil {
		return fmt.Errorf("reader never finalized: %w", err)
	}

	err = c.WaitForRow(ctx, 10*time.Second,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1 AND NOT temporary)`, username)
	if err != nil {
		return fmt.Errorf("user never finalized: %w", err)
	}

	// The reader is replicated into the lending service's store.
	err = c.WaitForRow(ctx, 10*time.Second,
		`SELECT EXISTS (SELECT 1 FROM reader_replicas WHERE reader_number = $1)`, readerNumber)
	if err != nil {
		return fmt.Errorf("reader never replicated: %w", err)
	}
	return nil
}
