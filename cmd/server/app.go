package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/quarkmedia/provisiond/internal/classifier"
	"github.com/quarkmedia/provisiond/internal/config"
	"github.com/quarkmedia/provisiond/internal/platform/memory"
	"github.com/quarkmedia/provisiond/internal/platform/postgres"
	"github.com/quarkmedia/provisiond/internal/service"
	"github.com/quarkmedia/provisiond/internal/session"
	"github.com/quarkmedia/provisiond/internal/store"
	"github.com/quarkmedia/provisiond/internal/task"
	"github.com/quarkmedia/provisiond/internal/upstream"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	// db backs the resource store; queueDB backs the queue when it does not
	// share db. Either may be nil in memory mode.
	db      *sql.DB
	queueDB *sql.DB

	resources store.ResourceStore
	queue     store.TaskQueue

	upstreamClient upstream.Client
	sessionGuard   *session.Guard
	provisionSvc   *service.ProvisionService
	pool           *task.WorkerPool
}

// newApplication creates an application instance with all dependencies
// initialized: storage backends, the upstream client, the session guard, the
// classifier, the provisioning service, and the worker pool. The pool is not
// started; Run does that after crash recovery.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	if err := app.setupStorage(cfg, logger); err != nil {
		return nil, err
	}

	// The session guard and the upstream client reference each other: the
	// client reads the current credential from the guard, the guard probes
	// through the client. The ProberFunc closes over the client variable to
	// break the construction cycle.
	app.sessionGuard = session.NewGuard(
		session.ProberFunc(func(ctx context.Context) error {
			return app.upstreamClient.Probe(ctx)
		}),
		cfg.Session.Credential,
		cfg.Session.ValidationInterval,
		logger,
	)
	app.upstreamClient = upstream.NewHTTPClient(upstream.Config{
		BaseURL:        cfg.Upstream.BaseURL,
		ShareBaseURL:   cfg.Upstream.ShareBaseURL,
		RequestTimeout: cfg.Upstream.RequestTimeout,
		MaxConnections: cfg.Upstream.MaxConnections,
		Retry: upstream.RetryPolicy{
			MaxAttempts: cfg.Upstream.RetryAttempts,
			BaseDelay:   cfg.Upstream.RetryBaseDelay,
			MaxDelay:    cfg.Upstream.RetryMaxDelay,
		},
	}, app.sessionGuard, logger)

	cls, err := setupClassifier(ctx, cfg.Classifier, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize classifier: %w", err)
	}
	dest := classifier.NewDestinationBuilder(cfg.Classifier.DestTemplate)

	app.provisionSvc = service.NewProvisionService(app.resources, app.queue, logger)

	worker := task.NewWorker(
		app.resources,
		app.queue,
		app.sessionGuard,
		app.upstreamClient,
		cls,
		dest,
		cfg.Worker.MaxRetries,
		logger,
	)
	app.pool = task.NewWorkerPool(app.queue, worker, task.WorkerPoolConfig{
		WorkerCount: cfg.Worker.Count,
	}, logger)

	logger.Info("application initialized",
		"queue_backend", queueScheme(cfg.Queue.DSN),
		"durable_records", app.db != nil,
		"classifier_engine", cfg.Classifier.Engine,
		"worker_count", cfg.Worker.Count)
	return app, nil
}

// setupStorage picks the resource store and queue backends. Records are
// durable when a database URL is configured; the queue backend follows the
// queue DSN scheme.
func (app *application) setupStorage(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Database.URL != "" {
		db, err := openDatabase(cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		app.db = db
		app.resources = postgres.NewResourceStore(db, logger)
	} else {
		logger.Warn("no database URL configured, resource records are volatile")
		app.resources = memory.NewResourceStore()
	}

	switch scheme := queueScheme(cfg.Queue.DSN); scheme {
	case "memory":
		app.queue = memory.NewTaskQueue()
	case "postgres", "postgresql":
		queueDB := app.db
		if queueDB == nil || cfg.Queue.DSN != cfg.Database.URL {
			db, err := openDatabase(cfg.Queue.DSN, logger)
			if err != nil {
				return fmt.Errorf("failed to connect queue database: %w", err)
			}
			app.queueDB = db
			queueDB = db
		}
		app.queue = postgres.NewTaskQueue(queueDB, cfg.Queue.PollInterval, logger)
	default:
		return fmt.Errorf("unsupported queue DSN scheme %q", scheme)
	}
	return nil
}

// setupClassifier builds the configured classifier engine. The Gemini engine
// requires an API key; the rule engine has no external dependencies.
func setupClassifier(ctx context.Context, cfg config.ClassifierConfig, logger *slog.Logger) (classifier.Classifier, error) {
	switch cfg.Engine {
	case "gemini":
		return classifier.NewGeminiClassifier(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
	case "rules":
		return classifier.NewRuleClassifier(), nil
	default:
		return nil, fmt.Errorf("unknown classifier engine %q", cfg.Engine)
	}
}

// Run recovers records stranded by a previous crash, starts the worker pool,
// and serves HTTP until ctx is cancelled.
func (app *application) Run(ctx context.Context) error {
	if err := task.RecoverStranded(ctx, app.resources, app.queue, app.logger); err != nil {
		return fmt.Errorf("crash recovery failed: %w", err)
	}

	app.pool.Start()

	if err := app.startHTTPServer(ctx, app.setupRouter()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources. Safe to call
// after a partial initialization.
func (app *application) cleanup() {
	if app.pool != nil {
		app.pool.Stop()
	}
	if app.queue != nil {
		if err := app.queue.Close(); err != nil {
			app.logger.Error("error closing task queue", "error", err)
		}
	}
	for _, db := range []*sql.DB{app.queueDB, app.db} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}

// queueScheme extracts the backend selector from a queue DSN.
func queueScheme(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return u.Scheme
}
