// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package tableserver is a reference remote backend for the sync layer: a small
// table API over PostgreSQL that stores every entity row as a JSONB document.
package tableserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Validation error sentinels mapped to API error codes by the handlers
var (
	ErrBadPayload        = errors.New("bad_payload")
	ErrUnregisteredTable = errors.New("unregistered_table")
	ErrNotFound          = errors.New("not_found")
	ErrClosed            = errors.New("table service has been closed")
)

// TableStore is the storage contract the HTTP handlers are written against
type TableStore interface {
	IsTableRegistered(table string) bool
	Select(ctx context.Context, table, field string, ascending bool) ([]json.RawMessage, error)
	Get(ctx context.Context, table, id string) (json.RawMessage, error)
	Upsert(ctx context.Context, table string, row json.RawMessage) (json.RawMessage, error)
	Delete(ctx context.Context, table string, match map[string]any) (int64, error)
}

// ServiceConfig holds configuration for the table service
type ServiceConfig struct {
	AppName          string   // application name for connection tracking
	RegisteredTables []string // tables the API accepts (required)
	MaxRetries       int      // attempts for transactions failing with serialization errors; default 3
	RetryBackoff     time.Duration
}

// Service stores rows of every registered table in inventory.records
type Service struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	config           *ServiceConfig
	registeredTables map[string]bool

	mu     sync.RWMutex
	closed bool
}

// NewService creates a table service over an existing pool. The schema must already
// be migrated (see Migrate).
func NewService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "invsync-server"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.RegisteredTables) == 0 {
		return nil, fmt.Errorf("at least one table must be registered")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 20 * time.Millisecond
	}

	s := &Service{
		pool:             pool,
		logger:           logger,
		config:           config,
		registeredTables: make(map[string]bool),
	}
	for _, t := range config.RegisteredTables {
		t = strings.ToLower(strings.TrimSpace(t))
		if !isValidIdentifier(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
		s.registeredTables[t] = true
		logger.Debug("Registered table", "table", t)
	}
	return s, nil
}

// Close marks the service closed. It does not close the pool.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pool returns the underlying connection pool
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// Tables returns the registered table names in sorted order
func (s *Service) Tables() []string {
	out := make([]string, 0, len(s.registeredTables))
	for t := range s.registeredTables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsTableRegistered reports whether the API accepts table
func (s *Service) IsTableRegistered(table string) bool {
	return s.registeredTables[table]
}

func (s *Service) check(table string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if !s.registeredTables[table] {
		return fmt.Errorf("%w: %s", ErrUnregisteredTable, table)
	}
	return nil
}

// Select returns every row of table ordered by the JSON member field
func (s *Service) Select(ctx context.Context, table, field string, ascending bool) ([]json.RawMessage, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}

	var (
		rows pgx.Rows
		err  error
	)
	switch {
	case field == "":
		rows, err = s.pool.Query(ctx, `SELECT data FROM inventory.records WHERE table_name = $1 ORDER BY id`, table)
	case !isValidIdentifier(field):
		return nil, fmt.Errorf("%w: invalid order field %q", ErrBadPayload, field)
	case ascending:
		rows, err = s.pool.Query(ctx, `
			SELECT data FROM inventory.records
			WHERE table_name = $1
			ORDER BY data -> $2 ASC NULLS FIRST, id`, table, field)
	default:
		rows, err = s.pool.Query(ctx, `
			SELECT data FROM inventory.records
			WHERE table_name = $1
			ORDER BY data -> $2 DESC NULLS LAST, id`, table, field)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", table, err)
	}

	docs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (json.RawMessage, error) {
		var data []byte
		err := row.Scan(&data)
		return data, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s rows: %w", table, err)
	}
	return docs, nil
}

// Get returns one row or ErrNotFound
func (s *Service) Get(ctx context.Context, table, id string) (json.RawMessage, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM inventory.records WHERE table_name = $1 AND id = $2`, table, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	return data, nil
}

// Upsert inserts or replaces a row keyed by its "id" member and returns the stored document
func (s *Service) Upsert(ctx context.Context, table string, row json.RawMessage) (json.RawMessage, error) {
	if err := s.check(table); err != nil {
		return nil, err
	}
	id, err := documentID(row)
	if err != nil {
		return nil, err
	}

	var stored []byte
	err = s.withRetry(ctx, "upsert", func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO inventory.records (table_name, id, data, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (table_name, id) DO UPDATE
			SET data = EXCLUDED.data, updated_at = now()
			RETURNING data`, table, id, []byte(row)).Scan(&stored)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert %s/%s: %w", table, id, err)
	}
	return stored, nil
}

// Delete removes every row of table containing all members of match. Matching nothing is not an error.
func (s *Service) Delete(ctx context.Context, table string, match map[string]any) (int64, error) {
	if err := s.check(table); err != nil {
		return 0, err
	}
	if len(match) == 0 {
		return 0, fmt.Errorf("%w: delete requires at least one match field", ErrBadPayload)
	}
	for field := range match {
		if !isValidIdentifier(field) {
			return 0, fmt.Errorf("%w: invalid match field %q", ErrBadPayload, field)
		}
	}
	filter, err := json.Marshal(match)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var deleted int64
	err = s.withRetry(ctx, "delete", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM inventory.records WHERE table_name = $1 AND data @> $2::jsonb`, table, filter)
		deleted = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return deleted, nil
}

func (s *Service) withRetry(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.config.MaxRetries; attempt++ {
		err = pgx.BeginFunc(ctx, s.pool, fn)
		if err == nil || !retryableTxError(err) {
			return err
		}
		s.logger.Warn("Retrying transaction", "op", op, "attempt", attempt, "error", err)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*s.config.RetryBackoff); serr != nil {
			return serr
		}
	}
	return err
}

// serialization_failure, deadlock_detected and lock_not_available abort a
// transaction that can succeed when run again
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

func retryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && retryableSQLStates[pgErr.SQLState()]
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func documentID(row json.RawMessage) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal(row, &doc); err != nil {
		return "", fmt.Errorf("%w: row must be a JSON object: %v", ErrBadPayload, err)
	}
	id, ok := doc["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("%w: row must carry a non-empty string id", ErrBadPayload)
	}
	return id, nil
}

func isValidIdentifier(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	for i, r := range name {
		if !((r >= 'a' && r <= 'z') || r == '_' || (i > 0 && r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}
