package redpanda

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/faults"
)

// Handler processes a single decoded event.
type Handler func(ctx context.Context, envelope *events.Envelope) error

// Binding subscribes one named handler to one topic. Concurrency is the
// number of workers processing fetched records; saga-critical bindings use
// 1 so two workers can never race on the same request.
type Binding struct {
	Topic       string
	GroupID     string
	Concurrency int
	Handler     Handler
}

// Registry collects the topic bindings of a service at startup. It
// replaces implicit framework-declared subscriptions with an explicit
// list that states the concurrency of every queue.
type Registry struct {
	bindings []Binding
	logger   *slog.Logger
}

// NewRegistry creates an empty subscription registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger.With("component", "subscription-registry")}
}

// Bind registers a handler for a topic.
func (r *Registry) Bind(topic, groupID string, concurrency int, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	r.bindings = append(r.bindings, Binding{
		Topic:       topic,
		GroupID:     groupID,
		Concurrency: concurrency,
		Handler:     handler,
	})
	r.logger.Info("bound handler", "topic", topic, "group_id", groupID, "concurrency", concurrency)
}

// Bindings returns the registered bindings.
func (r *Registry) Bindings() []Binding {
	return r.bindings
}

// Consumer runs one consumer group client per binding and dispatches
// records to the binding's handler.
type Consumer struct {
	brokers  []string
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	clients []*kgo.Client
}

// NewConsumer creates a consumer over the given registry.
func NewConsumer(brokers []string, registry *Registry, logger *slog.Logger) *Consumer {
	return &Consumer{
		brokers:  brokers,
		registry: registry,
		logger:   logger.With("component", "event-consumer"),
	}
}

// Start begins consuming all bindings and blocks until the context is
// cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, binding := range c.registry.Bindings() {
		client, err := kgo.NewClient(
			kgo.SeedBrokers(c.brokers...),
			kgo.ConsumerGroup(binding.GroupID),
			kgo.ConsumeTopics(binding.Topic),
			kgo.DisableAutoCommit(),
		)
		if err != nil {
			c.Close()
			return err
		}
		c.mu.Lock()
		c.clients = append(c.clients, client)
		c.mu.Unlock()

		wg.Add(1)
		go func(b Binding, cl *kgo.Client) {
			defer wg.Done()
			c.runBinding(ctx, b, cl)
		}(binding, client)
	}

	<-ctx.Done()
	wg.Wait()
	c.logger.Info("event consumer stopped")
	return nil
}

// runBinding is the poll loop for one topic subscription.
func (c *Consumer) runBinding(ctx context.Context, binding Binding, client *kgo.Client) {
	logger := c.logger.With("topic", binding.Topic, "group_id", binding.GroupID)
	logger.Info("consuming", "concurrency", binding.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				logger.Error("fetch error",
					"partition", err.Partition,
					"error", err.Err,
				)
			}
			continue
		}

		var records []*kgo.Record
		fetches.EachRecord(func(record *kgo.Record) {
			records = append(records, record)
		})
		if len(records) == 0 {
			continue
		}

		var abandoned []*kgo.Record
		if binding.Concurrency == 1 {
			for _, record := range records {
				if !c.processRecord(ctx, logger, binding.Handler, record) {
					abandoned = append(abandoned, record)
				}
			}
		} else {
			abandoned = c.processConcurrently(ctx, logger, binding, records)
		}

		// Commit only up to each partition's first abandoned record, then
		// rewind so the abandoned event is polled again instead of lost.
		commit, rewind := commitPlan(records, abandoned)
		if len(commit) > 0 {
			if err := client.CommitRecords(ctx, commit...); err != nil {
				logger.Error("failed to commit offsets", "error", err)
			}
		}
		if rewind != nil {
			client.SetOffsets(rewind)
		}
	}
}

// commitPlan splits a processed batch into the records safe to commit and
// the positions to rewind to. Committing a record acknowledges every
// earlier offset in its partition, so nothing at or after a partition's
// first abandoned record may be committed.
func commitPlan(records, abandoned []*kgo.Record) ([]*kgo.Record, map[string]map[int32]kgo.EpochOffset) {
	if len(abandoned) == 0 {
		return records, nil
	}

	first := make(map[string]map[int32]*kgo.Record)
	for _, record := range abandoned {
		partitions := first[record.Topic]
		if partitions == nil {
			partitions = make(map[int32]*kgo.Record)
			first[record.Topic] = partitions
		}
		if earliest, ok := partitions[record.Partition]; !ok || record.Offset < earliest.Offset {
			partitions[record.Partition] = record
		}
	}

	var commit []*kgo.Record
	for _, record := range records {
		if failed, ok := first[record.Topic][record.Partition]; ok && record.Offset >= failed.Offset {
			continue
		}
		commit = append(commit, record)
	}

	rewind := make(map[string]map[int32]kgo.EpochOffset)
	for topic, partitions := range first {
		rewind[topic] = make(map[int32]kgo.EpochOffset, len(partitions))
		for partition, record := range partitions {
			rewind[topic][partition] = kgo.EpochOffset{Epoch: record.LeaderEpoch, Offset: record.Offset}
		}
	}

	return commit, rewind
}

// processConcurrently fans a fetched batch out to the binding's workers
// and collects the records whose delivery was abandoned.
func (c *Consumer) processConcurrently(ctx context.Context, logger *slog.Logger, binding Binding, records []*kgo.Record) []*kgo.Record {
	workCh := make(chan *kgo.Record)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var abandoned []*kgo.Record

	for i := 0; i < binding.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range workCh {
				if !c.processRecord(ctx, logger, binding.Handler, record) {
					mu.Lock()
					abandoned = append(abandoned, record)
					mu.Unlock()
				}
			}
		}()
	}

	for _, record := range records {
		workCh <- record
	}
	close(workCh)
	wg.Wait()
	return abandoned
}

// processRecord decodes and handles one record. All errors are contained
// here so one bad message can never crash the consuming process or block
// the queue: malformed messages and terminal business conflicts are logged
// and dropped; transient failures are retried in place with backoff. The
// return value reports whether the record's offset may be committed —
// false means the transient failure outlived its in-place retries and the
// record must be redelivered, never dropped.
func (c *Consumer) processRecord(ctx context.Context, logger *slog.Logger, handler Handler, record *kgo.Record) bool {
	var envelope events.Envelope
	if err := json.Unmarshal(record.Value, &envelope); err != nil {
		logger.Error("dropping malformed message",
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err,
		)
		return true
	}

	logger = logger.With(
		"event_id", envelope.EventID,
		"event_type", envelope.EventType,
		"aggregate_id", envelope.AggregateID,
	)

	backoff := retry.WithMaxRetries(3, retry.NewExponential(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		handleErr := handler(ctx, &envelope)
		if handleErr != nil && faults.Classify(handleErr) == faults.Transient {
			return retry.RetryableError(handleErr)
		}
		return handleErr
	})

	switch {
	case err == nil:
		logger.Debug("event processed")
		return true
	case faults.Classify(err) == faults.Terminal:
		// Business conflict or poison message: never requeued.
		logger.Warn("event rejected", "error", err)
		return true
	default:
		logger.Error("delivery failed, leaving uncommitted for redelivery",
			"partition", record.Partition,
			"offset", record.Offset,
			"error", err,
		)
		return false
	}
}

// Close closes all binding clients.
func (c *Consumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.clients {
		client.Close()
	}
}
