// Package rpc implements the correlated request/response exchange used for
// point-in-time existence checks across service boundaries. Requests and
// responses travel over the broker; a correlation id pairs them up. The
// exchange deliberately bypasses the outbox: a point-in-time question must
// fail closed now, not be replayed later.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// Publisher publishes an envelope directly to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, envelope *events.Envelope) error
}

// InstanceReplyTopic derives a reply topic unique to this process. Every
// requesting instance must own its reply topic outright: a second replica
// sharing one would consume replies meant for the first and drop them as
// unmatched, timing out every validation.
func InstanceReplyTopic(base string) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", base, id), nil
}

// Requester issues validation requests and matches responses by
// correlation id. Each pending request owns a single-fulfillment channel
// in the pending table, so concurrent callers sharing the reply topic can
// never steal each other's answers.
type Requester struct {
	publisher  Publisher
	replyTopic string
	timeout    time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan events.ValidationResponse
}

// NewRequester creates a requester answering on replyTopic. The caller
// must bind HandleReply to replyTopic on its consumer.
func NewRequester(publisher Publisher, replyTopic string, timeout time.Duration, logger *slog.Logger) *Requester {
	return &Requester{
		publisher:  publisher,
		replyTopic: replyTopic,
		timeout:    timeout,
		logger:     logger.With("component", "validation-requester"),
		pending:    make(map[string]chan events.ValidationResponse),
	}
}

// Request publishes a validation request for key on topic and blocks for
// the correlated response, bounded by the configured timeout. Broker
// errors and timeouts fail closed: the caller must not proceed.
func (r *Requester) Request(ctx context.Context, topic, key string) (events.ValidationResponse, error) {
	correlationID, err := uuid.NewV4()
	if err != nil {
		return events.ValidationResponse{}, err
	}

	ch := make(chan events.ValidationResponse, 1)
	r.mu.Lock()
	r.pending[correlationID.String()] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID.String())
		r.mu.Unlock()
	}()

	envelope, err := events.NewEnvelope(topic, key, events.ValidationRequest{Key: key})
	if err != nil {
		return events.ValidationResponse{}, err
	}
	envelope.CorrelationID = correlationID.String()
	envelope.ReplyTopic = r.replyTopic

	if err := r.publisher.Publish(ctx, topic, envelope); err != nil {
		return events.ValidationResponse{}, fmt.Errorf("failed to publish validation request: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case response := <-ch:
		return response, nil
	case <-timer.C:
		r.logger.Warn("validation request timed out", "topic", topic, "key", key)
		return events.ValidationResponse{}, faults.ErrValidationTimeout
	case <-ctx.Done():
		return events.ValidationResponse{}, ctx.Err()
	}
}

// HandleReply consumes the requester's reply topic. Responses whose
// correlation id matches no pending request are dropped: they belong to a
// caller that already timed out, or to another instance sharing the topic.
func (r *Requester) HandleReply(ctx context.Context, envelope *events.Envelope) error {
	var response events.ValidationResponse
	if err := envelope.ParsePayload(&response); err != nil {
		return fmt.Errorf("malformed validation response: %w", err)
	}

	r.mu.Lock()
	ch, ok := r.pending[envelope.CorrelationID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("dropping unmatched validation response",
			"correlation_id", envelope.CorrelationID,
			"key", response.Key,
		)
		return nil
	}

	select {
	case ch <- response:
	default:
		// Channel already fulfilled by a duplicate delivery.
	}
	return nil
}

// LookupFunc answers an existence check against a service's local store.
type LookupFunc func(ctx context.Context, key string) (exists bool, message string, err error)

// ResponderHandler adapts a local lookup into a consumer handler for a
// validation request topic. Entity absence is a normal negative answer,
// never an error.
func ResponderHandler(lookup LookupFunc, publisher Publisher, logger *slog.Logger) func(ctx context.Context, envelope *events.Envelope) error {
	logger = logger.With("component", "validation-responder")

	return func(ctx context.Context, envelope *events.Envelope) error {
		var request events.ValidationRequest
		if err := envelope.ParsePayload(&request); err != nil {
			return fmt.Errorf("malformed validation request: %w", err)
		}
		if envelope.CorrelationID == "" || envelope.ReplyTopic == "" {
			return fmt.Errorf("%w: validation request without correlation id or reply topic", faults.ErrInvalid)
		}

		exists, message, err := lookup(ctx, request.Key)
		if err != nil {
			return fmt.Errorf("validation lookup: %w", err)
		}

		response, err := events.NewEnvelope(envelope.ReplyTopic, request.Key, events.ValidationResponse{
			Key:     request.Key,
			Exists:  exists,
			Message: message,
		})
		if err != nil {
			return err
		}
		response.CorrelationID = envelope.CorrelationID

		if err := publisher.Publish(ctx, envelope.ReplyTopic, response); err != nil {
			return fmt.Errorf("failed to publish validation response: %w", err)
		}

		logger.Debug("validation answered",
			"key", request.Key,
			"exists", exists,
			"correlation_id", envelope.CorrelationID,
		)
		return nil
	}
}
