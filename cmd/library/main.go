// Command library runs all six library services in one process: books,
// authors, genres, readers, users and lendings, each with its own
// database pool and outbox dispatcher, wired together over Redpanda.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"

	"github.com/bibliotek/library-services/internal/janitor"
	"github.com/bibliotek/library-services/internal/outbox"
	"github.com/bibliotek/library-services/internal/services/authors"
	"github.com/bibliotek/library-services/internal/services/books"
	"github.com/bibliotek/library-services/internal/services/genres"
	"github.com/bibliotek/library-services/internal/services/lendings"
	"github.com/bibliotek/library-services/internal/services/readers"
	"github.com/bibliotek/library-services/internal/services/users"
	"github.com/bibliotek/library-services/internal/shared/config"
	"github.com/bibliotek/library-services/internal/shared/domain/clock"
	"github.com/bibliotek/library-services/internal/shared/domain/events"
	"github.com/bibliotek/library-services/internal/shared/infra/postgres"
	"github.com/bibliotek/library-services/internal/shared/infra/redpanda"
	"github.com/bibliotek/library-services/internal/shared/rpc"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("starting library services", "brokers", cfg.RedpandaBrokers)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One pool and one schema per service.
	pools := map[string]string{
		"books":    cfg.DatabaseURLBooks,
		"authors":  cfg.DatabaseURLAuthors,
		"genres":   cfg.DatabaseURLGenres,
		"readers":  cfg.DatabaseURLReaders,
		"users":    cfg.DatabaseURLUsers,
		"lendings": cfg.DatabaseURLLendings,
	}
	clients := make(map[string]*postgres.Client, len(pools))
	for service, url := range pools {
		if err := postgres.RunMigrations(url, service); err != nil {
			slog.Error("failed to run migrations", "service", service, "error", err)
			os.Exit(1)
		}
		client, err := postgres.NewClient(ctx, url, logger)
		if err != nil {
			slog.Error("failed to connect to PostgreSQL", "service", service, "error", err)
			os.Exit(1)
		}
		defer client.Close()
		clients[service] = client
	}

	brokers := strings.Split(cfg.RedpandaBrokers, ",")
	producer, err := redpanda.NewProducer(brokers, logger)
	if err != nil {
		slog.Error("failed to create Redpanda producer", "error", err)
		os.Exit(1)
	}
	defer producer.Close()

	// Outbox stores, publishers and dispatchers, one set per service.
	stores := make(map[string]*postgres.OutboxStore, len(pools))
	emitters := make(map[string]*outbox.Publisher, len(pools))
	dispatcherCfg := outbox.DispatcherConfig{
		BatchSize:    cfg.DispatcherBatchSize,
		MaxRetries:   cfg.DispatcherMaxRetries,
		PollInterval: cfg.DispatcherPollInterval,
	}

	var wg sync.WaitGroup
	for service := range pools {
		store := postgres.NewOutboxStore(clients[service].Pool(), logger)
		stores[service] = store
		emitters[service] = outbox.NewPublisher(store, logger)

		listenConn, err := pgx.Connect(ctx, pools[service])
		if err != nil {
			slog.Error("failed to open LISTEN connection", "service", service, "error", err)
			os.Exit(1)
		}
		defer listenConn.Close(context.Background()) //nolint:errcheck

		dispatcher := outbox.NewDispatcher(store, producer, listenConn, dispatcherCfg, nil, logger.With("service", service))
		wg.Add(1)
		go func(d *outbox.Dispatcher, service string) {
			defer wg.Done()
			if err := d.Start(ctx); err != nil {
				slog.Error("outbox dispatcher failed", "service", service, "error", err)
			}
		}(dispatcher, service)
	}

	// Domain services.
	genreSvc := genres.NewService(
		postgres.NewGenreRepository(clients["genres"].Pool(), stores["genres"], logger),
		emitters["genres"], logger)
	authorSvc := authors.NewService(
		postgres.NewAuthorRepository(clients["authors"].Pool(), stores["authors"], logger),
		emitters["authors"], logger)
	bookSvc := books.NewService(
		postgres.NewBookRepository(clients["books"].Pool(), stores["books"], logger),
		cfg.SagaTimeout, logger)
	userSvc := users.NewService(
		postgres.NewUserRepository(clients["users"].Pool(), stores["users"], logger),
		emitters["users"], logger)
	readerSvc := readers.NewService(
		postgres.NewReaderRepository(clients["readers"].Pool(), stores["readers"], logger),
		emitters["readers"], cfg.SagaTimeout, logger)

	replyTopic, err := rpc.InstanceReplyTopic(events.TopicLendingValidationReply)
	if err != nil {
		slog.Error("failed to derive validation reply topic", "error", err)
		os.Exit(1)
	}
	requester := rpc.NewRequester(producer, replyTopic, cfg.ValidationTimeout, logger)
	lendingSvc := lendings.NewService(
		postgres.NewLendingRepository(clients["lendings"].Pool(), stores["lendings"], logger),
		requester, cfg.LoanPeriod, cfg.MaxOpenLendings, logger)

	// Topic bindings. Saga request topics run with a single worker so two
	// deliveries of the same request can never race; everything else fans
	// out to the configured concurrency.
	registry := redpanda.NewRegistry(logger)
	n := cfg.ConsumerConcurrency

	registry.Bind(events.TopicBookCreationRequested, "genres-service", 1, genreSvc.HandleBookRequested)
	registry.Bind(events.TopicGenrePending, "authors-service", 1, authorSvc.HandleGenrePending)
	registry.Bind(events.TopicAuthorPending, "books-service", n, bookSvc.HandleAuthorPending)
	registry.Bind(events.TopicBookFinalized, "books-service", n, bookSvc.HandleBookFinalized)
	registry.Bind(events.TopicBookCreationFailed, "books-service", n, bookSvc.HandleCreationFailed)

	registry.Bind(events.TopicReaderUserRequested, "users-service", 1, userSvc.HandleRequested)
	registry.Bind(events.TopicReaderUserRequested, "readers-service", 1, readerSvc.HandleRequested)
	registry.Bind(events.TopicUserPending, "readers-service", n, readerSvc.HandleUserPending)
	registry.Bind(events.TopicReaderPending, "readers-service", n, readerSvc.HandleReaderPending)
	registry.Bind(events.TopicReaderUserFinalize, "users-service", n, userSvc.HandleFinalize)
	registry.Bind(events.TopicReaderUserFinalize, "readers-service", n, readerSvc.HandleFinalize)
	registry.Bind(events.TopicUserFinalized, "readers-service", n, readerSvc.HandleUserFinalized)
	registry.Bind(events.TopicReaderFinalized, "readers-service", n, readerSvc.HandleReaderFinalized)
	registry.Bind(events.TopicReaderUserFailed, "users-service", n, userSvc.HandleFailed)
	registry.Bind(events.TopicReaderUserFailed, "readers-service", n, readerSvc.HandleFailed)

	registry.Bind(events.TopicBookValidationRequest, "books-service",
		n, rpc.ResponderHandler(bookSvc.LookupISBN, producer, logger))
	registry.Bind(events.TopicReaderValidationRequest, "readers-service",
		n, rpc.ResponderHandler(readerSvc.LookupReaderNumber, producer, logger))
	// The reply topic is instance-unique, so its consumer group is too:
	// another replica must never take replies addressed to this process.
	registry.Bind(replyTopic, replyTopic, n, requester.HandleReply)

	registry.Bind(events.TopicBookCreated, "lendings-service", n, lendingSvc.HandleBookCreated)
	registry.Bind(events.TopicBookUpdated, "lendings-service", n, lendingSvc.HandleBookUpdated)
	registry.Bind(events.TopicBookDeleted, "lendings-service", n, lendingSvc.HandleBookDeleted)
	registry.Bind(events.TopicReaderCreated, "lendings-service", n, lendingSvc.HandleReaderCreated)

	consumer := redpanda.NewConsumer(brokers, registry, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(ctx); err != nil {
			slog.Error("event consumer failed", "error", err)
		}
	}()
	defer consumer.Close()

	// Maintenance: retention sweeps and saga reapers.
	maintenance := janitor.New(logger)
	for service, store := range stores {
		maintenance.Register(janitor.Task{
			Name:  "outbox-sweep-" + service,
			Every: cfg.SweepInterval,
			Run: func(ctx context.Context) (int64, error) {
				return store.DeleteProcessedBefore(ctx, clock.Now().Add(-cfg.OutboxRetention))
			},
		})
	}
	maintenance.Register(janitor.Task{
		Name:  "book-saga-reaper",
		Every: cfg.SweepInterval,
		Run:   bookSvc.ExpireStaleSagas,
	})
	maintenance.Register(janitor.Task{
		Name:  "reader-saga-reaper",
		Every: cfg.SweepInterval,
		Run:   readerSvc.ExpireStaleSagas,
	})
	maintenance.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		maintenance.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		slog.Warn("shutdown timed out")
	}

	slog.Info("library services stopped")
}

// newLogger creates a structured logger based on configuration.
func newLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
