package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PortNumber53/publish-enforcer/internal/billing"
	"github.com/PortNumber53/publish-enforcer/internal/config"
	"github.com/PortNumber53/publish-enforcer/internal/connections"
	"github.com/PortNumber53/publish-enforcer/internal/dispatch"
	"github.com/PortNumber53/publish-enforcer/internal/handlers"
	"github.com/PortNumber53/publish-enforcer/internal/logging"
	"github.com/PortNumber53/publish-enforcer/internal/middleware"
	"github.com/PortNumber53/publish-enforcer/internal/notify"
	"github.com/PortNumber53/publish-enforcer/internal/platform"
	"github.com/PortNumber53/publish-enforcer/internal/quota"
	"github.com/PortNumber53/publish-enforcer/internal/repair"
	"github.com/PortNumber53/publish-enforcer/internal/scheduler"
	"github.com/PortNumber53/publish-enforcer/internal/store"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

// app holds the wired enforcement pipeline.
type app struct {
	cfg       config.Config
	log       zerolog.Logger
	db        *sql.DB
	store     *store.PostgresStore
	ledger    *quota.Ledger
	journal   *quota.BadgerJournal
	redis     *redis.Client
	hub       *notify.Hub
	scheduler *scheduler.Scheduler
	plans     *billing.PlanSync
	cleanup   *notify.CleanupWorker
}

// buildApp wires every component over an open database. base overrides the
// platform HTTP transport (nil uses the default).
func buildApp(cfg config.Config, db *sql.DB, log zerolog.Logger, base http.RoundTripper) (*app, error) {
	a := &app{cfg: cfg, log: log, db: db}
	a.store = store.NewPostgresStore(db)

	adapters := platform.FromConfig(cfg.Platforms, cfg.PublishTimeout, base)

	a.hub = notify.NewHub(logging.Component(log, "Events"))
	notifier := notify.Multi{
		&notify.DBNotifier{DB: db, Log: logging.Component(log, "Notifications")},
		a.hub,
		notify.LogNotifier{Log: logging.Component(log, "Notify")},
	}

	conns := connections.NewRegistry(a.store, adapters, connections.Options{
		Buffer: cfg.RefreshBuffer,
		Logger: logging.Component(log, "Connections"),
	})
	repairer := repair.New(conns, adapters, notifier, logging.Component(log, "Repair"))

	locker, err := a.newLocker()
	if err != nil {
		return nil, err
	}
	ledgerOpts := quota.Options{Locker: locker, Logger: logging.Component(log, "Quota")}
	if cfg.JournalPath != "" {
		j, err := quota.OpenJournal(quota.JournalConfig{Path: cfg.JournalPath})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open reconcile journal: %w", err)
		}
		a.journal = j
		ledgerOpts.Journal = j
	} else {
		log.Warn().Msg("reconcile_journal_disabled")
	}
	ledgerOpts.ClaimTTL = cfg.Lock.TTL
	a.ledger = quota.NewLedger(a.store, ledgerOpts)

	d := dispatch.New(a.ledger, conns, repairer, a.store, adapters, notifier, dispatch.Options{
		PublishTimeout:       cfg.PublishTimeout,
		MaxTransientAttempts: cfg.MaxTransientAttempts,
		Logger:               logging.Component(log, "Dispatch"),
	})
	a.scheduler = scheduler.New(a.store, d, a.ledger, scheduler.Options{
		Concurrency: cfg.Concurrency,
		Schedule:    cfg.Schedule,
		Logger:      logging.Component(log, "Scheduler"),
	})

	if subs := billing.NewStripeClient(cfg.StripeSecretKey); subs != nil {
		a.plans = &billing.PlanSync{
			Store:         a.store,
			Subscriptions: subs,
			PriceTiers:    cfg.StripePriceTiers,
			Log:           logging.Component(log, "PlanSync"),
		}
	}
	a.cleanup = &notify.CleanupWorker{
		DB:        db,
		Log:       logging.Component(log, "NotificationCleanup"),
		Retention: cfg.NotificationRetention,
	}
	return a, nil
}

func (a *app) newLocker() (quota.Locker, error) {
	if a.cfg.Lock.Backend != "redis" {
		return quota.NewLocalLocker(), nil
	}
	opt, err := redis.ParseURL(a.cfg.Lock.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	a.redis = redis.NewClient(opt)
	return quota.NewRedisLocker(a.redis, a.cfg.Lock.TTL), nil
}

// registerJobs adds the periodic side jobs to the enforcement cron.
func (a *app) registerJobs() {
	if a.plans != nil && a.cfg.PlanSyncSchedule != "" {
		a.scheduler.AddJob("plan_sync", a.cfg.PlanSyncSchedule, func(ctx context.Context) error {
			_, err := a.plans.Sync(ctx)
			return err
		})
	}
	a.scheduler.AddJob("notification_cleanup", "@every 1h", func(ctx context.Context) error {
		_, err := a.cleanup.Cleanup(ctx)
		return err
	})
}

// router returns the HTTP handler tree, CORS included.
func (a *app) router() http.Handler {
	opts := handlers.Options{
		Quota:  a.ledger,
		Runner: a.scheduler,
		Events: a.hub,
		Logger: logging.Component(a.log, "HTTP"),
	}
	if a.plans != nil {
		opts.Plans = a.plans
	}
	r := mux.NewRouter()
	handlers.RegisterRoutes(handlers.New(opts), r, middleware.NewInternalAuth(a.cfg.InternalSecret, a.log).Middleware)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// serve runs the cron and the HTTP server until ctx is canceled.
func (a *app) serve(ctx context.Context) error {
	a.registerJobs()
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	srv := &http.Server{
		Handler:      a.router(),
		Addr:         ":" + a.cfg.Port,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("port", a.cfg.Port).Str("schedule", a.cfg.Schedule).Msg("server_starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.log.Info().Msg("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("server_shutdown_failed")
	}
	// A pass started over HTTP can outlive Shutdown; the journal must stay open until it returns.
	a.scheduler.Stop()
	a.scheduler.Wait()
	a.log.Info().Msg("server_stopped")
	return nil
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Error().Err(err).Msg("journal_close_failed")
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func openDB(databaseURL string) (*sql.DB, error) {
	if databaseURL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}
