package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bibliotek/library-services/internal/shared/domain/clock"
)

func TestNewEnvelope(t *testing.T) {
	fixedTime := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	clock.Set(clock.FixedClock{Time: fixedTime})
	t.Cleanup(clock.Reset)

	payload := BookCreationRequested{
		ISBN:       "9780134685991",
		Title:      "Effective Java",
		AuthorName: "Alice",
		GenreName:  "Drama",
	}

	envelope, err := NewEnvelope(TopicBookCreationRequested, "9780134685991", payload)
	require.NoError(t, err)

	assert.False(t, envelope.EventID.IsNil(), "EventID should not be nil")
	assert.Equal(t, TopicBookCreationRequested, envelope.EventType)
	assert.Equal(t, "9780134685991", envelope.AggregateID)
	assert.Equal(t, fixedTime, envelope.OccurredAt)
	assert.Empty(t, envelope.CorrelationID)
	assert.Empty(t, envelope.ReplyTopic)
}

func TestEnvelope_ParsePayload(t *testing.T) {
	original := ValidationResponse{Key: "9780134685991", Exists: true}
	envelope, err := NewEnvelope(TopicBookValidationRequest, "9780134685991", original)
	require.NoError(t, err)

	var parsed ValidationResponse
	require.NoError(t, envelope.ParsePayload(&parsed))
	assert.Equal(t, original, parsed)
}

func TestEnvelope_CorrelationFieldsOmittedWhenEmpty(t *testing.T) {
	envelope, err := NewEnvelope(TopicBookCreated, "agg-1", map[string]any{"k": "v"})
	require.NoError(t, err)

	raw, err := json.Marshal(envelope)
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "correlation_id")
	assert.NotContains(t, string(raw), "reply_topic")
}

func TestEnvelope_RoundTripKeepsCorrelation(t *testing.T) {
	envelope, err := NewEnvelope(TopicBookValidationRequest, "isbn-1", ValidationRequest{Key: "isbn-1"})
	require.NoError(t, err)
	envelope.CorrelationID = "corr-42"
	envelope.ReplyTopic = "library.validation.reply.lendings"

	raw, err := json.Marshal(envelope)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "corr-42", decoded.CorrelationID)
	assert.Equal(t, "library.validation.reply.lendings", decoded.ReplyTopic)
}
