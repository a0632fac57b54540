package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DispatcherConfig holds configuration for the outbox dispatcher.
type DispatcherConfig struct {
	BatchSize    int
	MaxRetries   int
	PollInterval time.Duration
}

// AlertFunc is invoked once per row at the moment its retry count reaches
// the configured maximum. Exhausted rows stay in the table as evidence but
// are no longer fetched or retried.
type AlertFunc func(entry Entry)

// Dispatcher drains unprocessed outbox rows in creation order and publishes
// them to the broker. It wakes on a NOTIFY from the outbox insert trigger
// and on a watchdog timer, whichever fires first. Rows are processed
// sequentially within a batch so per-store FIFO order is preserved.
type Dispatcher struct {
	store      Store
	publisher  BrokerPublisher
	listenConn *pgx.Conn
	config     DispatcherConfig
	alert      AlertFunc
	logger     *slog.Logger
}

// NewDispatcher creates a new outbox dispatcher. listenConn may be nil, in
// which case the dispatcher relies on the poll timer alone. alert may be
// nil; exhausted rows are then only logged.
func NewDispatcher(
	store Store,
	publisher BrokerPublisher,
	listenConn *pgx.Conn,
	config DispatcherConfig,
	alert AlertFunc,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:      store,
		publisher:  publisher,
		listenConn: listenConn,
		config:     config,
		alert:      alert,
		logger:     logger.With("component", "outbox-dispatcher"),
	}
}

// Start begins dispatching. It blocks until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("starting outbox dispatcher",
		"batch_size", d.config.BatchSize,
		"max_retries", d.config.MaxRetries,
		"poll_interval", d.config.PollInterval,
	)

	notifyCh := make(chan *pgconn.Notification, 1)
	if d.listenConn != nil {
		if _, err := d.listenConn.Exec(ctx, "LISTEN outbox_insert"); err != nil {
			return err
		}
		go d.notificationListener(ctx, notifyCh)
	}

	timer := time.NewTimer(d.config.PollInterval)
	defer timer.Stop()

	// Initial drain
	d.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("outbox dispatcher stopped")
			return nil

		case notification := <-notifyCh:
			if notification != nil {
				d.logger.Debug("received NOTIFY", "payload", notification.Payload)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.config.PollInterval)
				d.drain(ctx)
			}

		case <-timer.C:
			d.drain(ctx)
			timer.Reset(d.config.PollInterval)
		}
	}
}

// notificationListener continuously listens for PostgreSQL notifications.
func (d *Dispatcher) notificationListener(ctx context.Context, notifyCh chan<- *pgconn.Notification) {
	for {
		notification, err := d.listenConn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.logger.Error("error waiting for notification", "error", err)
			// Brief pause before retrying to avoid a tight loop
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case notifyCh <- notification:
		case <-ctx.Done():
			return
		}
	}
}

// drain repeatedly processes batches until the outbox has no more pending
// rows ready to publish. A full batch that made no progress (every publish
// failed) ends the drain; those rows wait for the next poll tick instead
// of spinning here.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		fetched, published, err := d.processBatch(ctx)
		if err != nil {
			d.logger.Error("failed to process outbox batch", "error", err)
			return
		}
		if fetched < d.config.BatchSize || published == 0 {
			return
		}
	}
}

// processBatch fetches one batch of pending rows and publishes them. The
// fetch and the processed/retry marks share one transaction: a crash before
// commit leaves every row pending, which at-least-once delivery absorbs.
// Returns the number of rows fetched and the number published.
func (d *Dispatcher) processBatch(ctx context.Context) (fetched, published int, err error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	entries, err := d.store.FetchPendingForUpdate(ctx, tx, d.config.BatchSize, d.config.MaxRetries)
	if err != nil {
		return 0, 0, err
	}

	for _, entry := range entries {
		if d.processEntry(ctx, tx, entry) {
			published++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}

	return len(entries), published, nil
}

// processEntry publishes a single outbox entry and records the outcome.
// Reports whether the entry was published.
func (d *Dispatcher) processEntry(ctx context.Context, tx pgx.Tx, entry Entry) bool {
	logger := d.logger.With(
		"outbox_id", entry.ID,
		"event_type", entry.Envelope.EventType,
		"aggregate_id", entry.Envelope.AggregateID,
	)

	if err := d.publisher.Publish(ctx, entry.Envelope.EventType, entry.Envelope); err != nil {
		logger.Error("failed to publish event", "error", err)
		if markErr := d.store.MarkFailed(ctx, tx, entry.ID, err.Error()); markErr != nil {
			logger.Error("failed to record publish failure", "error", markErr)
		}
		// This failure was the row's last attempt: subsequent fetches
		// exclude it, so raise the alert now.
		if entry.RetryCount+1 >= d.config.MaxRetries {
			logger.Error("max retries exhausted, leaving in outbox as evidence",
				"retry_count", entry.RetryCount+1,
			)
			if d.alert != nil {
				d.alert(entry)
			}
		}
		return false
	}

	if err := d.store.MarkProcessed(ctx, tx, entry.ID); err != nil {
		// The row stays pending and will be republished; consumers are
		// idempotent.
		logger.Error("failed to mark entry processed", "error", err)
		return true
	}

	logger.Debug("event dispatched")
	return true
}
