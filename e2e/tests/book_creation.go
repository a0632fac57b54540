package tests

import (
	"context"
	"fmt"
	"time"

	"github.com/bibliotek/library-services/e2e/client"
	"github.com/bibliotek/library-services/e2e/runner"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "book-creation-saga",
		Description: "Book with unknown author and genre converges to a committed book row",
		Run:         runBookCreationTest,
	})
	runner.Register(&runner.Test{
		Name:        "book-creation-rejected",
		Description: "Request with a blank genre is rejected without creating a book",
		Run:         runBookCreationRejectedTest,
	})
}

func runBookCreationTest(ctx context.Context, cfg *runner.Config) error {
	c, err := client.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	isbn := client.UniqueID("e2e-isbn")
	authorName := client.UniqueID("e2e-author")
	genreName := client.UniqueID("e2e-genre")

	envelope, err := events.NewEnvelope(events.TopicBookCreationRequested, isbn, events.BookCreationRequested{
		ISBN:       isbn,
		Title:      "Distributed Systems in Practice",
		AuthorName: authorName,
		GenreName:  genreName,
	})
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, events.TopicBookCreationRequested, envelope); err != nil {
		return fmt.Errorf("failed to publish creation request: %w", err)
	}

	// The saga crosses genres, authors and books; give the full chain a
	// few seconds to converge.
	err = c.WaitForRow(ctx, 15*time.Second,
		`SELECT EXISTS (SELECT 1 FROM books WHERE isbn = $1)`, isbn)
	if err != nil {
		return fmt.Errorf("book never committed: %w", err)
	}

	if err := c.WaitForRow(ctx, 5*time.Second,
		`SELECT EXISTS (SELECT 1 FROM authors WHERE name = $1)`, authorName); err != nil {
		return fmt.Errorf("author not created: %w", err)
	}
	if err := c.WaitForRow(ctx, 5*time.Second,
		`SELECT EXISTS (SELECT 1 FROM genres WHERE name = $1)`, genreName); err != nil {
		return fmt.Errorf("genre not created: %w", err)
	}

	// The committed book must reference the rows the saga resolved.
	return c.WaitForRow(ctx, 5*time.Second, `
		SELECT EXISTS (
			SELECT 1 FROM books b
			JOIN authors a ON a.author_id = b.author_id
			JOIN genres g ON g.genre_id = b.genre_id
			WHERE b.isbn = $1 AND a.name = $2 AND g.name = $3
		)`, isbn, authorName, genreName)
}

func runBookCreationRejectedTest(ctx context.Context, cfg *runner.Config) error {
	c, err := client.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	isbn := client.UniqueID("e2e-isbn")

	failures, err := c.Subscribe(events.TopicBookCreationFailed)
	if err != nil {
		return err
	}
	defer failures.Close()

	envelope, err := events.NewEnvelope(events.TopicBookCreationRequested, isbn, events.BookCreationRequested{
		ISBN:       isbn,
		Title:      "No Genre",
		AuthorName: "Somebody",
		GenreName:  "",
	})
	if err != nil {
		return err
	}
	if err := c.Publish(ctx, events.TopicBookCreationRequested, envelope); err != nil {
		return fmt.Errorf("failed to publish creation request: %w", err)
	}

	if _, err := failures.Await(ctx, 10*time.Second, func(e *events.Envelope) bool {
		return e.AggregateID == isbn
	}); err != nil {
		return fmt.Errorf("rejection never announced: %w", err)
	}

	var exists bool
	err = c.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM books WHERE isbn = $1)`, isbn).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("rejected request still produced a book")
	}
	return nil
}
