// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DELTA-RISE/sis-davus-sub000/config"
	"github.com/DELTA-RISE/sis-davus-sub000/connectivity"
	"github.com/DELTA-RISE/sis-davus-sub000/entity"
	"github.com/DELTA-RISE/sis-davus-sub000/hooks"
	"github.com/DELTA-RISE/sis-davus-sub000/internal/auth"
	"github.com/DELTA-RISE/sis-davus-sub000/inventory"
	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
	"github.com/DELTA-RISE/sis-davus-sub000/metrics"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
	"github.com/DELTA-RISE/sis-davus-sub000/syncqueue"
	"github.com/DELTA-RISE/sis-davus-sub000/tableserver"
)

// AppOptions adjust how OpenApp builds the client stack
type AppOptions struct {
	Offline  bool
	LogLevel string         // overrides log.level when set
	Backend  remote.Backend // replaces the HTTP backend when set
}

// App is the wired client: local mirror, remote backend, entity layer, catalog,
// hook subscribers and the sync queue processor. Every transition to online
// starts a background drain until Close.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     *localstore.SQLiteStore
	Oracle    *connectivity.Oracle
	Backend   remote.Backend
	Layer     *entity.Layer
	Catalog   *inventory.Catalog
	Board     *inventory.StatusBoard
	Processor *syncqueue.Processor
	Registry  *prometheus.Registry
	Metrics   *metrics.Prometheus

	bus    *hooks.Bus
	detach func()
	cancel context.CancelFunc
}

// OpenApp opens the local database and wires every client component
func OpenApp(ctx context.Context, cfg *config.Config, opts AppOptions) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := cfg.Log.NewLogger(opts.LogLevel)
	if err != nil {
		return nil, err
	}

	store, err := localstore.OpenSQLite(cfg.Client.LocalDB, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	backend := opts.Backend
	if backend == nil {
		backend = remote.NewHTTPBackend(cfg.Client.RemoteURL, tokenSource(cfg.Client))
	}

	oracle := connectivity.New(!opts.Offline && !cfg.Client.StartOffline).WithLogger(logger)
	bus := hooks.NewBus(hooks.DefaultBuffer, logger)
	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheus(registry)

	layer := entity.NewLayer(store, backend, oracle, &entity.Config{
		Timeout: cfg.Client.RemoteTimeout,
		Events:  bus,
		Metrics: recorder,
	}, logger)
	catalog, err := inventory.NewCatalog(ctx, layer, &inventory.Config{ReadFreshness: cfg.Client.ReadFreshness}, logger)
	if err != nil {
		bus.Close()
		_ = store.Close()
		return nil, err
	}

	board := inventory.NewStatusBoard(store, oracle)
	bus.Subscribe(board)
	// audit and timeline writes go through the remote backend, so they run off the dispatcher
	bus.Subscribe(hooks.NewWorker(inventory.NewAuditSubscriber(catalog, logger), logger))
	bus.Subscribe(hooks.NewWorker(inventory.NewTimelineSubscriber(catalog, logger), logger))

	processor := syncqueue.NewProcessor(store, backend, oracle, &syncqueue.Config{
		MaxAttempts: cfg.Client.MaxAttempts,
		Timeout:     cfg.Client.RemoteTimeout,
		Events:      bus,
		Metrics:     recorder,
	}, logger)

	// background drains outlive the caller's context and stop at Close
	drainCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	detach := processor.Attach(drainCtx, oracle)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Store:     store,
		Oracle:    oracle,
		Backend:   backend,
		Layer:     layer,
		Catalog:   catalog,
		Board:     board,
		Processor: processor,
		Registry:  registry,
		Metrics:   recorder,
		bus:       bus,
		detach:    detach,
		cancel:    cancel,
	}, nil
}

// Context attributes writes made with it to the configured user and device
func (a *App) Context(ctx context.Context) context.Context {
	return auth.With(ctx, auth.Identity{Actor: a.Config.Client.UserID, Device: a.Config.Client.DeviceID})
}

// Flush delivers every pending hook event. Events published afterwards are dropped.
func (a *App) Flush() {
	a.bus.Close()
}

// Close stops reacting to connectivity changes, waits for running drains, flushes
// hook events and closes the local database
func (a *App) Close() {
	a.detach()
	a.Processor.Wait()
	a.cancel()
	a.bus.Close()
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("Failed to close local database", "error", err)
	}
}

// tokenSource prefers a configured token and otherwise signs one with jwt_secret.
// With neither, requests carry no Authorization header.
func tokenSource(c config.ClientConfig) func(context.Context) (string, error) {
	if c.Token != "" {
		token := c.Token
		return func(context.Context) (string, error) { return token, nil }
	}
	if c.JWTSecret == "" {
		return nil
	}
	jwtAuth := tableserver.NewJWTAuth(c.JWTSecret, nil)
	return func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(c.UserID, c.DeviceID, time.Hour)
	}
}
