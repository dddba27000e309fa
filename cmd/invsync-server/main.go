// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DELTA-RISE/sis-davus-sub000/config"
	"github.com/DELTA-RISE/sis-davus-sub000/inventory"
	"github.com/DELTA-RISE/sis-davus-sub000/tableserver"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "invsync-server",
		Short:         "Table API server backing invsync clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := cfg.Log.NewLogger("")
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if cfg.Server.DatabaseURL == "" {
		return fmt.Errorf("server.database_url is required (INVSYNC_SERVER_DATABASE_URL)")
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("server.jwt_secret is required (INVSYNC_SERVER_JWT_SECRET)")
	}

	var tables []string
	for _, spec := range inventory.Specs() {
		tables = append(tables, spec.Table)
	}
	components, err := tableserver.SetupServer(ctx, &tableserver.ServerConfig{
		DatabaseURL: cfg.Server.DatabaseURL,
		JWTSecret:   cfg.Server.JWTSecret,
		AppName:     cfg.Server.AppName,
		MaxConns:    cfg.Server.MaxConns,
		Tables:      tables,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      components.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting table server", "addr", httpServer.Addr)
		logger.Info("  GET    /tables/{table}?order=&asc=  - list rows")
		logger.Info("  GET    /tables/{table}/{id}         - fetch one row")
		logger.Info("  POST   /tables/{table}              - upsert a row")
		logger.Info("  DELETE /tables/{table}?field=value  - delete matching rows")
		logger.Info("Authentication: JWT Bearer token required (sub = user, did = device)")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exited")
	return nil
}
