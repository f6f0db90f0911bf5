package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpapi "github.com/frostvale/gatehouse/internal/gatehouse/http"
	"github.com/frostvale/gatehouse/internal/gatehouse/identity"
	"github.com/frostvale/gatehouse/internal/gatehouse/service"
	"github.com/frostvale/gatehouse/internal/gatehouse/store"
	"github.com/frostvale/gatehouse/internal/gatehouse/store/drivers/sqlite"
	"github.com/frostvale/gatehouse/pkg/kvfile"
	"github.com/frostvale/gatehouse/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application encapsulates the gatehouse service with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Core dependencies
	db       store.Store
	provider identity.Provider
	persist  *kvfile.Store

	// Services
	identityCache *service.IdentityCache
	tracker       *service.SessionTracker
	presence      *service.PresenceAggregator
	sweep         *service.SweepService

	// HTTP server
	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "gatehouse",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	persist, err := kvfile.New(cfg.SnapshotDir)
	if err != nil {
		_ = app.db.Close()
		return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
	}
	app.persist = persist

	app.provider = &identity.DiscordProvider{APIBase: cfg.DiscordAPIBase}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.identityCache.Start()
	app.tracker.Start()
	app.presence.Start()
	app.sweep.Start()

	app.logger.Info("gatehouse starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down gatehouse...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	// Order matters: the tracker flushes close-outs into the store, so the
	// workers stop before the database does.
	app.sweep.Stop()
	app.presence.Stop()
	app.tracker.Stop()
	app.identityCache.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("gatehouse stopped")
	return nil
}

// initDatabase initializes the database and applies migrations.
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initServices initializes all business logic services.
func (app *Application) initServices() {
	app.identityCache = service.NewIdentityCache(
		app.db,
		app.provider,
		app.persist,
		app.logger,
		service.IdentityCacheConfig{
			TTL:            app.cfg.IdentityTTL,
			HardCeiling:    app.cfg.IdentityHardCeiling,
			RefreshTimeout: app.cfg.RefreshTimeout,
			AdminTimeout:   app.cfg.AdminCheckTimeout,
			ProbeInterval:  app.cfg.ProbeInterval,
			MaxFailures:    app.cfg.MaxRefreshFailures,
			AdminFallback:  app.cfg.AdminFallback,
		},
	)

	app.tracker = service.NewSessionTracker(
		app.db,
		app.logger,
		service.SessionTrackerConfig{
			HeartbeatInterval: app.cfg.HeartbeatInterval,
			GraceWindow:       app.cfg.GraceWindow,
		},
	)

	app.presence = service.NewPresenceAggregator(
		app.db,
		app.identityCache,
		app.logger,
		service.PresenceAggregatorConfig{
			ActiveWindow: app.cfg.ActiveWindow,
			OnlineWindow: app.cfg.OnlineWindow,
			PollInterval: app.cfg.PollInterval,
		},
	)

	app.sweep = service.NewSweepService(
		app.db,
		app.logger,
		app.cfg.SweepInterval,
		app.cfg.SweepThreshold,
	)
}

// initHTTP initializes the HTTP router and server.
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(BuildVersion, app.db, app.logger)
	router.Identity = app.identityCache
	router.Tracker = app.tracker
	router.Presence = app.presence
	router.ApplyRoutes()

	app.router = router
	app.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", app.cfg.Port),
		Handler: router,
	}
}
