package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agency_portal_backend/internal/adapters/storage"
	"agency_portal_backend/internal/bids"
	"agency_portal_backend/internal/bids/service"
	"agency_portal_backend/internal/email"
	"agency_portal_backend/internal/events"
	apphttp "agency_portal_backend/internal/http"
	"agency_portal_backend/internal/http/router"
	"agency_portal_backend/internal/notification"
	"agency_portal_backend/internal/scheduler"
	"agency_portal_backend/migrations"
	"agency_portal_backend/platform/config"
	"agency_portal_backend/platform/db"
	"agency_portal_backend/platform/logger"
	"agency_portal_backend/platform/validator"

	"github.com/jackc/pgx/v5/pgxpool"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	// Initialize structured logger
	log := logger.New(cfg.Env)
	log.Info("starting server", "env", cfg.Env, "addr", cfg.HTTPAddr, "dispatch", cfg.GetDispatchMode())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()
	log.Info("database connection established")

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, pool, migrations.FS, log)
	}); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}
	log.Info("database migrations complete")

	// Event bus for decoupled communication between modules
	eventBus := events.NewInMemoryBus(log)

	// Shared validator instance for dependency injection
	val := validator.New()

	store := mustStorage(ctx, cfg, log)

	// ========================================================================
	// Domain Modules
	// ========================================================================

	bidsModule := bids.NewModule(bids.Deps{
		DB:        pool,
		Extractor: bids.NewExtractor(cfg, store, log),
		Generator: bids.NewGenerator(ctx, cfg, log),
		Files:     store,
		EventBus:  eventBus,
		Validator: val,
		Logger:    log,
		Options: service.Options{
			GenerationTimeout: cfg.GetGenerationTimeout(),
			StrictCompletion:  cfg.GetStrictCompletion(),
		},
	})

	if cfg.GetDispatchMode() == config.DispatchQueue {
		queue, err := scheduler.NewClient(cfg)
		if err != nil {
			log.Error("failed to initialize bid run queue", "error", err)
			panic("failed to initialize bid run queue: " + err.Error())
		}
		defer func() { _ = queue.Close() }()
		bidsModule.SetDispatcher(queue)
		log.Info("bid runs are dispatched to the worker queue")
	} else {
		// Runs execute in this process, so this process also closes the runs
		// a crash left behind.
		reaper := scheduler.NewStaleRunReaper(bidsModule.Repository(), eventBus, log, cfg.GetStaleRunSweepInterval(), cfg.GetStaleRunAfter())
		go reaper.Run(ctx)
	}

	notificationModule := notification.New(email.NewSender(cfg, log), cfg, cfg.GetBidNotifyAddress(), log)
	notificationModule.RegisterHandlers(eventBus)

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	app := &apphttp.App{
		Config:   cfg,
		Logger:   log,
		Health:   pool,
		EventBus: eventBus,
		Modules: []apphttp.Module{
			bidsModule,
			notificationModule,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.New(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		// Open event streams never finish on their own.
		notificationModule.SSE().Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		// Runs still active after the deadline are closed by the stale-run reaper.
		if err := bidsModule.Drain(shutdownCtx); err != nil {
			log.Warn("bid runs still in flight at shutdown", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func mustStorage(ctx context.Context, cfg *config.Config, log *logger.Logger) *storage.MinIOStore {
	store, err := storage.NewMinIOStore(cfg)
	if err != nil {
		log.Error("failed to initialize storage", "error", err)
		panic("failed to initialize storage: " + err.Error())
	}
	if err := withRetry(ctx, log, "ensure bid source bucket", 5, 2*time.Second, func() error {
		return store.EnsureBucketExists(ctx)
	}); err != nil {
		log.Error("failed to ensure storage bucket exists", "error", err, "bucket", cfg.GetMinioBucketBidSourceFiles())
		panic("failed to ensure storage bucket exists: " + err.Error())
	}
	return store
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
