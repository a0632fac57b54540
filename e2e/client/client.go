// Package client gives e2e scenarios direct access to the deployment's
// two real edges: the Redpanda broker and the shared development
// database.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/bibliotek/library-services/e2e/runner"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
)

// Client bundles a database pool and a broker client for one scenario.
type Client struct {
	Pool    *pgxpool.Pool
	broker  *kgo.Client
	brokers []string
}

// Connect opens both edges. Close must be called when the scenario ends.
func Connect(ctx context.Context, cfg *runner.Config) (*Client, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	brokers := strings.Split(cfg.Brokers, ",")
	broker, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create broker client: %w", err)
	}

	return &Client{Pool: pool, broker: broker, brokers: brokers}, nil
}

// Close releases both connections.
func (c *Client) Close() {
	c.broker.Close()
	c.Pool.Close()
}

// Publish sends an envelope to its topic, keyed by aggregate id, and
// waits for the broker acknowledgement.
func (c *Client) Publish(ctx context.Context, topic string, envelope *events.Envelope) error {
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	results := c.broker.ProduceSync(ctx, &kgo.Record{
		Topic: topic,
		Key:   []byte(envelope.AggregateID),
		Value: value,
	})
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscription tails one topic from the point Subscribe was called.
type Subscription struct {
	topic    string
	consumer *kgo.Client
}

// Subscribe starts tailing a topic at its current end. Call before
// triggering the behavior whose output you want to observe.
func (c *Client) Subscribe(topic string) (*Subscription, error) {
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return &Subscription{topic: topic, consumer: consumer}, nil
}

// Close stops tailing.
func (s *Subscription) Close() {
	s.consumer.Close()
}

// Await polls until an envelope matching the predicate arrives or the
// deadline passes.
func (s *Subscription) Await(ctx context.Context, timeout time.Duration, match func(*events.Envelope) bool) (*events.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		pollCtx, cancel := context.WithTimeout(ctx, time.Second)
		fetches := s.consumer.PollFetches(pollCtx)
		cancel()

		var found *events.Envelope
		fetches.EachRecord(func(record *kgo.Record) {
			if found != nil {
				return
			}
			var envelope events.Envelope
			if err := json.Unmarshal(record.Value, &envelope); err != nil {
				return
			}
			if match(&envelope) {
				found = &envelope
			}
		})
		if found != nil {
			return found, nil
		}
	}
	return nil, fmt.Errorf("no matching message on %s within %v", s.topic, timeout)
}

// WaitForRow polls the given query until it returns true or the deadline
// passes. The query must select a single boolean.
func (c *Client) WaitForRow(ctx context.Context, timeout time.Duration, query string, args ...any) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var ok bool
		if err := c.Pool.QueryRow(ctx, query, args...).Scan(&ok); err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("condition not reached within %v: %s", timeout, query)
}

// UniqueID generates an identifier unique to this run for test isolation.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}
