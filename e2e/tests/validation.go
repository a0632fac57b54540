package tests

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/e2e/client"
	"github.com/bibliotek/library-services/e2e/runner"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
)

func init() {
	runner.Register(&runner.Test{
		Name:        "validation-exchange",
		Description: "Book validation request is answered on the caller's reply topic",
		Run:         runValidationTest,
	})
}

func runValidationTest(ctx context.Context, cfg *runner.Config) error {
	c, err := client.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// A reply topic of our own keeps this run isolated from the real
	// lending service instances.
	replyTopic := client.UniqueID("e2e-validation-reply")
	replies, err := c.Subscribe(replyTopic)
	if err != nil {
		return err
	}
	defer replies.Close()

	correlationID, err := uuid.NewV4()
	if err != nil {
		return err
	}

	missingISBN := client.UniqueID("e2e-missing-isbn")
	request, err := events.NewEnvelope(events.TopicBookValidationRequest, missingISBN,
		events.ValidationRequest{Key: missingISBN})
	if err != nil {
		return err
	}
	request.CorrelationID = correlationID.String()
	request.ReplyTopic = replyTopic

	if err := c.Publish(ctx, events.TopicBookValidationRequest, request); err != nil {
		return fmt.Errorf("failed to publish validation request: %w", err)
	}

	reply, err := replies.Await(ctx, 10*time.Second, func(e *events.Envelope) bool {
		return e.CorrelationID == correlationID.String()
	})
	if err != nil {
		return fmt.Errorf("validation never answered: %w", err)
	}

	var response events.ValidationResponse
	if err := reply.ParsePayload(&response); err != nil {
		return fmt.Errorf("malformed validation response: %w", err)
	}
	if response.Exists {
		return fmt.Errorf("nonexistent book reported as existing")
	}
	if response.Key != missingISBN {
		return fmt.Errorf("response key %q does not match request %q", response.Key, missingISBN)
	}
	return nil
}
