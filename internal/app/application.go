// Package app wires the connection manager, its observers and the HTTP
// surfaces into one runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"connmgr/internal/acceptor"
	"connmgr/internal/api"
	"connmgr/internal/config"
	"connmgr/internal/database"
	"connmgr/internal/eventloop"
	"connmgr/internal/history"
	"connmgr/internal/metrics"
	"connmgr/internal/timer"
	"connmgr/internal/websocket"
	pkgdatabase "connmgr/pkg/database"
)

// Application owns one event loop and everything scheduled on it.
// Initialization order: store, observers, loop and manager, HTTP.
type Application struct {
	config     *config.Config
	logger     *slog.Logger
	loop       *eventloop.Loop
	manager    *acceptor.ConnectionManager
	controller *acceptor.Controller
	store      *database.Manager
	history    *history.History
	registry   *prometheus.Registry
	httpServer *http.Server

	// drained receives once the manager empties during shutdown
	drained  chan struct{}
	draining bool
}

// NewApplication builds the application. A nil process echoes messages.
func NewApplication(cfg *config.Config, logger *slog.Logger, process websocket.MessageFunc) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if process == nil {
		process = websocket.Echo
	}

	app := &Application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		drained:  make(chan struct{}, 1),
	}

	var observers acceptor.MultiObserver

	if cfg.Database.Enabled {
		store, err := openStore(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		app.store = store
		observers = append(observers, store)
	}

	hist, err := history.New(cfg.Manager.HistorySize)
	if err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to create connection history: %w", err)
	}
	app.history = hist
	observers = append(observers, hist)

	if cfg.Metrics.Enabled {
		app.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		observers = append(observers, metrics.MustNewMetrics(app.registry))
		if app.store != nil {
			metrics.MustRegisterStoreDropped(app.registry, app.store.Dropped)
		}
	}

	tm := timer.New(timer.WithInterval(cfg.Manager.TimerInterval))
	app.loop = eventloop.New(tm,
		eventloop.WithQueueSize(cfg.Manager.LoopQueueSize),
		eventloop.WithLogger(logger.With("component", "eventloop")))
	app.manager = acceptor.NewConnectionManager(tm, app.loop,
		acceptor.WithDefaultTimeout(cfg.Manager.DefaultTimeout),
		acceptor.WithIdleConnEarlyDropThreshold(cfg.Manager.IdleEarlyDropThreshold),
		acceptor.WithCallback(app),
		acceptor.WithObserver(observers),
		acceptor.WithLogger(logger.With("component", "acceptor")))
	app.controller = acceptor.NewController(app.manager, app.loop)

	wsHandler := websocket.NewHandler(app.loop, app.manager, websocketSettings(cfg.WebSocket), process,
		logger.With("component", "websocket"))

	apiOpts := []api.Option{
		api.WithHistory(hist),
		api.WithIdleGrace(cfg.Manager.IdleGrace),
		api.WithLogger(logger.With("component", "api")),
	}
	if app.store != nil {
		apiOpts = append(apiOpts, api.WithEventStore(app.store))
	}
	if cfg.Metrics.Enabled {
		apiOpts = append(apiOpts, api.WithMetricsHandler(cfg.Metrics.Path,
			promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{})))
	}
	apiServer := api.NewServer(app.controller, apiOpts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler.HandleWebSocket)
	mux.Handle("/", apiServer)

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	return app, nil
}

func openStore(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Manager, error) {
	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = cfg.Path
	dbConfig.ConnMaxLifetime = cfg.Timeout
	dbConfig.ConnMaxIdleTime = cfg.Timeout / 3
	dbConfig.WriteQueueSize = cfg.WriteQueueSize

	store, err := database.NewManager(dbConfig, logger.With("component", "database"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize event store: %w", err)
	}

	applied, err := pkgdatabase.NewEmbeddedMigrationManager(store.GetDB()).ApplyMigrations()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(store.GetDB()).Validate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("database schema is invalid: %w", err)
	}
	logger.Info("database ready", "path", cfg.Path, "migrations_applied", applied)
	return store, nil
}

func websocketSettings(cfg *config.WebSocketConfig) websocket.Settings {
	return websocket.Settings{
		WriteBuffer:  cfg.BufferSize,
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.ReadTimeout,
		ReadLimit:    cfg.ReadLimit,
	}
}

// Controller exposes the manager to callers outside the loop
func (app *Application) Controller() *acceptor.Controller { return app.controller }

func (app *Application) Addr() string { return app.httpServer.Addr }

// Run listens on the configured address and serves until ctx is done, then
// drains connections and shuts down
func (app *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.closeStore()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	return app.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (app *Application) Serve(ctx context.Context, ln net.Listener) error {
	app.httpServer.Addr = ln.Addr().String()
	app.logger.Info("starting connection manager", "addr", app.httpServer.Addr)

	g, gctx := errgroup.WithContext(ctx)

	// The loop outlives ctx so the drain below can still run on it.
	g.Go(func() error {
		if err := app.loop.Run(context.Background()); err != nil {
			return fmt.Errorf("event loop: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	if app.store != nil && app.config.Database.Retention > 0 {
		g.Go(func() error {
			app.pruneEvents(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown()
	})

	err := g.Wait()
	app.logger.Info("connection manager stopped")
	return err
}

// shutdown stops accepting, drains gracefully for up to DrainTimeout, drops
// whatever is left, then stops the loop and the store
func (app *Application) shutdown() error {
	cfg := app.config.Manager
	app.logger.Info("shutting down", "idle_grace", cfg.IdleGrace, "drain_timeout", cfg.DrainTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	if err := app.drain(ctx); err != nil {
		app.logger.Warn("graceful drain incomplete, dropping remaining connections", "error", err)
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := app.controller.DropAllConnections(dropCtx); err != nil {
			errs = append(errs, fmt.Errorf("drop connections: %w", err))
		}
		dropCancel()
	}

	if err := app.loop.Stop(); err != nil && !errors.Is(err, eventloop.ErrLoopNotRunning) {
		errs = append(errs, fmt.Errorf("event loop stop: %w", err))
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event store close: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (app *Application) drain(ctx context.Context) error {
	empty := false
	if err := app.loop.Do(ctx, func() {
		app.draining = true
		app.manager.InitiateGracefulShutdown(app.config.Manager.IdleGrace)
		empty = app.manager.NumConnections() == 0
	}); err != nil {
		return err
	}
	if empty {
		return nil
	}

	select {
	case <-app.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pruneEvents deletes stored events older than the retention period, once at
// startup and then every PruneInterval, until ctx is done.
func (app *Application) pruneEvents(ctx context.Context) {
	cfg := app.config.Database
	ticker := time.NewTicker(cfg.PruneInterval)
	defer ticker.Stop()

	for {
		cutoff := time.Now().Add(-cfg.Retention)
		deleted, err := app.store.DeleteEventsBefore(ctx, cutoff)
		switch {
		case err != nil && ctx.Err() == nil:
			app.logger.Warn("failed to prune connection events", "error", err)
		case deleted > 0:
			app.logger.Info("pruned connection events", "deleted", deleted, "cutoff", cutoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (app *Application) closeStore() {
	if app.store != nil {
		_ = app.store.Close()
	}
}

func (app *Application) OnEmpty(m *acceptor.ConnectionManager) {
	if !app.draining {
		return
	}
	app.logger.Info("all connections drained")
	select {
	case app.drained <- struct{}{}:
	default:
	}
}

func (app *Application) OnConnectionAdded(m *acceptor.ConnectionManager) {
	app.logger.Debug("connection added", "connections", m.NumConnections())
}

func (app *Application) OnConnectionRemoved(m *acceptor.ConnectionManager) {
	app.logger.Debug("connection removed", "connections", m.NumConnections())
}
