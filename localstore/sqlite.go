// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore keeps the local mirror in a SQLite database file
type SQLiteStore struct {
	DB     *sql.DB
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]bool
}

// OpenSQLite opens (or creates) the database file at path and initializes the sync queue
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStore wraps an already opened database and creates the sync queue table
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &SQLiteStore{
		DB:     db,
		logger: logger,
		tables: make(map[string]bool),
	}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS sync_queue (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name  TEXT NOT NULL,
		action      TEXT NOT NULL CHECK (action IN ('upsert','delete')),
		payload     TEXT NOT NULL,
		queued_at   TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','syncing','failed','parked')),
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		return fmt.Errorf("failed to create sync queue table: %w", err)
	}
	return nil
}

// EnsureTable creates the entity table if needed
func (s *SQLiteStore) EnsureTable(ctx context.Context, table string) error {
	if !ValidTableName(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	s.mu.RLock()
	known := s.tables[table]
	s.mu.RUnlock()
	if known {
		return nil
	}

	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
		id          TEXT PRIMARY KEY,
		data        TEXT NOT NULL,
		stored_at   TEXT NOT NULL
	)`, table))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	s.mu.Lock()
	s.tables[table] = true
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) checkTable(table string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.tables[table] {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return nil
}

// GetAll returns all rows of a table
func (s *SQLiteStore) GetAll(ctx context.Context, table string) ([]Row, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT id, data FROM "%s" ORDER BY id`, table))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		out = append(out, Row{ID: id, Data: json.RawMessage(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", table, err)
	}
	return out, nil
}

// Put upserts a row by primary key
func (s *SQLiteStore) Put(ctx context.Context, table string, row Row) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO "%s" (id, data, stored_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data, stored_at = excluded.stored_at
	`, table), row.ID, string(row.Data), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to put %s.%s: %w", table, row.ID, err)
	}
	return nil
}

// Delete removes a row by primary key
func (s *SQLiteStore) Delete(ctx context.Context, table, id string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("failed to delete %s.%s: %w", table, id, err)
	}
	return nil
}

// ReplaceAll clears the table and bulk-inserts rows in one transaction
func (s *SQLiteStore) ReplaceAll(ctx context.Context, table string, rows []Row) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, table)); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT OR REPLACE INTO "%s" (id, data, stored_at) VALUES (?, ?, ?)`, table))
	if err != nil {
		return fmt.Errorf("failed to prepare bulk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(timeLayout)
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.ID, string(row.Data), now); err != nil {
			return fmt.Errorf("failed to insert %s.%s: %w", table, row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bulk replace of %s: %w", table, err)
	}
	return nil
}

// Enqueue appends a mutation to the sync queue
func (s *SQLiteStore) Enqueue(ctx context.Context, table, action string, payload json.RawMessage) (Entry, error) {
	if err := validateAction(action); err != nil {
		return Entry{}, err
	}
	now := time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, action, payload, queued_at, status)
		VALUES (?, ?, ?, ?, 'pending')
	`, table, action, string(payload), now.Format(timeLayout))
	if err != nil {
		return Entry{}, fmt.Errorf("failed to enqueue %s %s: %w", action, table, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("failed to read queue sequence: %w", err)
	}
	return Entry{
		Seq:      seq,
		Table:    table,
		Action:   action,
		Payload:  payload,
		QueuedAt: now,
		Status:   StatusPending,
	}, nil
}

// Queued returns all replayable entries in insertion order
func (s *SQLiteStore) Queued(ctx context.Context) ([]Entry, error) {
	return s.queryEntries(ctx, `WHERE status <> 'parked'`)
}

// List returns every queue entry in insertion order
func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	return s.queryEntries(ctx, "")
}

func (s *SQLiteStore) queryEntries(ctx context.Context, where string) ([]Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT seq, table_name, action, payload, queued_at, status, attempts, last_error
		FROM sync_queue `+where+`
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var e Entry
	var payload, queuedAt string
	if err := r.Scan(&e.Seq, &e.Table, &e.Action, &payload, &queuedAt, &e.Status, &e.Attempts, &e.LastError); err != nil {
		return Entry{}, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	t, err := time.Parse(timeLayout, queuedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to parse queued_at of entry %d: %w", e.Seq, err)
	}
	e.QueuedAt = t
	return e, nil
}

// SetStatus updates an entry status
func (s *SQLiteStore) SetStatus(ctx context.Context, seq int64, status string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE sync_queue SET status = ? WHERE seq = ?`, status, seq)
	if err != nil {
		return fmt.Errorf("failed to set status of entry %d: %w", seq, err)
	}
	return requireAffected(res, seq)
}

// MarkFailed records a failed replay attempt
func (s *SQLiteStore) MarkFailed(ctx context.Context, seq int64, status, lastError string) (Entry, error) {
	if err := validateFailStatus(status); err != nil {
		return Entry{}, err
	}
	row := s.DB.QueryRowContext(ctx, `
		UPDATE sync_queue SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE seq = ?
		RETURNING seq, table_name, action, payload, queued_at, status, attempts, last_error
	`, status, lastError, seq)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %d", ErrEntryNotFound, seq)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("failed to mark entry %d failed: %w", seq, err)
	}
	return e, nil
}

// Remove deletes an entry after a confirmed replay
func (s *SQLiteStore) Remove(ctx context.Context, seq int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sync_queue WHERE seq = ?`, seq)
	if err != nil {
		return fmt.Errorf("failed to remove entry %d: %w", seq, err)
	}
	return requireAffected(res, seq)
}

// Len counts queue entries
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

func requireAffected(res sql.Result, seq int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, seq)
	}
	return nil
}
