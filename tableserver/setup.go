// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tableserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/DELTA-RISE/sis-davus-sub000/metrics"
)

// ServerConfig holds configuration for the server
type ServerConfig struct {
	DatabaseURL string
	JWTSecret   string
	AppName     string
	MaxConns    int32
	Tables      []string // registered tables; required
	Logger      *slog.Logger
}

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool     *pgxpool.Pool
	Service  *Service
	JWTAuth  *JWTAuth
	Registry *prometheus.Registry
	Handler  http.Handler
	Logger   *slog.Logger
}

// SetupServer connects to PostgreSQL, applies migrations and builds the HTTP handler.
// It is shared by the server binary and the integration tests.
func SetupServer(ctx context.Context, config *ServerConfig) (*ServerComponents, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appName := config.AppName
	if appName == "" {
		appName = "invsync-server"
	}
	if config.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	service, err := NewService(pool, &ServiceConfig{AppName: appName, RegisteredTables: config.Tables}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterServer(registry)

	jwtAuth := NewJWTAuth(config.JWTSecret, logger)
	handler := NewRouter(NewHandlers(service, logger), jwtAuth, registry)

	logger.Info("Table server ready", "tables", service.Tables(), "app_name", appName)
	return &ServerComponents{
		Pool:     pool,
		Service:  service,
		JWTAuth:  jwtAuth,
		Registry: registry,
		Handler:  handler,
		Logger:   logger,
	}, nil
}

// Close releases the service and the pool
func (c *ServerComponents) Close() {
	if err := c.Service.Close(); err != nil {
		c.Logger.Warn("Failed to close table service", "error", err)
	}
	c.Pool.Close()
}
