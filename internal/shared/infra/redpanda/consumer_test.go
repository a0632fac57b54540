package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

func record(topic string, partition int32, offset int64) *kgo.Record {
	return &kgo.Record{Topic: topic, Partition: partition, Offset: offset}
}

func TestCommitPlan_NoFailuresCommitsEverything(t *testing.T) {
	records := []*kgo.Record{
		record("library.user.pending", 0, 10),
		record("library.user.pending", 0, 11),
	}

	commit, rewind := commitPlan(records, nil)

	assert.Equal(t, records, commit)
	assert.Nil(t, rewind)
}

func TestCommitPlan_FailureBlocksItselfAndLaterOffsets(t *testing.T) {
	records := []*kgo.Record{
		record("library.user.pending", 0, 10),
		record("library.user.pending", 0, 11),
		record("library.user.pending", 0, 12),
	}

	commit, rewind := commitPlan(records, []*kgo.Record{records[1]})

	require.Len(t, commit, 1, "committing offset 12 would acknowledge the failed 11")
	assert.Equal(t, int64(10), commit[0].Offset)
	require.NotNil(t, rewind)
	assert.Equal(t, int64(11), rewind["library.user.pending"][0].Offset,
		"the consumer rewinds to the failed record so it is polled again")
}

func TestCommitPlan_FailureAtHeadCommitsNothingForThatPartition(t *testing.T) {
	records := []*kgo.Record{
		record("library.user.pending", 0, 10),
		record("library.user.pending", 0, 11),
	}

	commit, rewind := commitPlan(records, []*kgo.Record{records[0]})

	assert.Empty(t, commit)
	assert.Equal(t, int64(10), rewind["library.user.pending"][0].Offset)
}

func TestCommitPlan_PartitionsAreIndependent(t *testing.T) {
	healthy := record("library.reader.pending", 1, 7)
	records := []*kgo.Record{
		record("library.user.pending", 0, 10),
		healthy,
	}

	commit, rewind := commitPlan(records, []*kgo.Record{records[0]})

	require.Len(t, commit, 1, "a failure on one partition must not hold back another")
	assert.Equal(t, healthy, commit[0])
	_, blocked := rewind["library.reader.pending"]
	assert.False(t, blocked)
}

func TestCommitPlan_EarliestFailureWinsPerPartition(t *testing.T) {
	records := []*kgo.Record{
		record("library.user.pending", 0, 10),
		record("library.user.pending", 0, 11),
		record("library.user.pending", 0, 12),
	}

	_, rewind := commitPlan(records, []*kgo.Record{records[2], records[1]})

	assert.Equal(t, int64(11), rewind["library.user.pending"][0].Offset)
}

func envelopeRecord(t *testing.T) *kgo.Record {
	t.Helper()
	envelope, err := events.NewEnvelope(events.TopicUserPending, "2024/17",
		events.UserPending{ReaderNumber: "2024/17", Username: "mmonteiro"})
	require.NoError(t, err)
	value, err := json.Marshal(envelope)
	require.NoError(t, err)
	return &kgo.Record{Topic: events.TopicUserPending, Value: value}
}

func TestProcessRecord_SuccessIsCommittable(t *testing.T) {
	c := NewConsumer(nil, NewRegistry(slog.Default()), slog.Default())

	ok := c.processRecord(context.Background(), slog.Default(),
		func(ctx context.Context, envelope *events.Envelope) error { return nil },
		envelopeRecord(t))

	assert.True(t, ok)
}

func TestProcessRecord_TerminalErrorIsDroppedAndCommittable(t *testing.T) {
	c := NewConsumer(nil, NewRegistry(slog.Default()), slog.Default())

	var calls int
	ok := c.processRecord(context.Background(), slog.Default(),
		func(ctx context.Context, envelope *events.Envelope) error {
			calls++
			return faults.ErrVersionConflict
		},
		envelopeRecord(t))

	assert.True(t, ok, "business conflicts are never requeued")
	assert.Equal(t, 1, calls, "terminal errors are not retried in place")
}

func TestProcessRecord_MalformedMessageIsDroppedAndCommittable(t *testing.T) {
	c := NewConsumer(nil, NewRegistry(slog.Default()), slog.Default())

	ok := c.processRecord(context.Background(), slog.Default(),
		func(ctx context.Context, envelope *events.Envelope) error {
			t.Fatal("handler must not run for undecodable records")
			return nil
		},
		&kgo.Record{Topic: events.TopicUserPending, Value: []byte("{not json")})

	assert.True(t, ok)
}

func TestProcessRecord_ExhaustedTransientErrorIsNotCommittable(t *testing.T) {
	c := NewConsumer(nil, NewRegistry(slog.Default()), slog.Default())

	var attempts int
	ok := c.processRecord(context.Background(), slog.Default(),
		func(ctx context.Context, envelope *events.Envelope) error {
			attempts++
			return errors.New("store unreachable")
		},
		envelopeRecord(t))

	assert.False(t, ok, "the record must be left uncommitted so the broker redelivers it")
	assert.Equal(t, 4, attempts, "transient errors get in-place retries before surrendering")
}
