// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore provides the durable on-device mirror of every entity
// table plus the shared sync queue. Two implementations are provided: a
// SQLite-backed store for real devices and an in-memory store for tests.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Queue actions
const (
	ActionUpsert = "upsert"
	ActionDelete = "delete"
)

// Queue entry statuses
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusFailed  = "failed"
	StatusParked  = "parked"
)

var (
	// ErrUnknownTable is returned when a table was never created with EnsureTable
	ErrUnknownTable = errors.New("unknown table")
	// ErrEntryNotFound is returned when a queue entry does not exist
	ErrEntryNotFound = errors.New("queue entry not found")
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ValidTableName reports whether name can be used as a local table name
func ValidTableName(name string) bool {
	return identRe.MatchString(name) && name != QueueTable
}

// QueueTable is the name of the shared sync queue table
const QueueTable = "sync_queue"

// Row is one mirrored entity: its primary key plus the JSON document
type Row struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Entry is one pending mutation in the sync queue
type Entry struct {
	Seq       int64           `json:"seq"`
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	QueuedAt  time.Time       `json:"queued_at"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
}

// Store is the per-entity-table half of the local mirror
type Store interface {
	// EnsureTable creates the table if it does not exist yet
	EnsureTable(ctx context.Context, table string) error
	// GetAll returns every row of the table in primary key order
	GetAll(ctx context.Context, table string) ([]Row, error)
	// Put inserts or replaces a row by primary key
	Put(ctx context.Context, table string, row Row) error
	// Delete removes a row by primary key; deleting an absent row is not an error
	Delete(ctx context.Context, table, id string) error
	// ReplaceAll atomically replaces the whole table contents with rows
	ReplaceAll(ctx context.Context, table string, rows []Row) error
}

// Queue is the durable FIFO of mutations awaiting remote application
type Queue interface {
	// Enqueue appends an entry and returns it with Seq, QueuedAt and Status assigned
	Enqueue(ctx context.Context, table, action string, payload json.RawMessage) (Entry, error)
	// Queued returns all entries that a drain pass should replay, in ascending Seq order.
	// Parked entries are excluded.
	Queued(ctx context.Context) ([]Entry, error)
	// List returns every entry including parked ones, in ascending Seq order
	List(ctx context.Context) ([]Entry, error)
	// SetStatus updates the status of an entry
	SetStatus(ctx context.Context, seq int64, status string) error
	// MarkFailed sets status to failed (or parked), bumps attempts and records the error
	MarkFailed(ctx context.Context, seq int64, status, lastError string) (Entry, error)
	// Remove destroys an entry
	Remove(ctx context.Context, seq int64) error
	// Len returns the number of entries, parked ones included
	Len(ctx context.Context) (int, error)
}

// LocalStore combines both halves, as provided by SQLiteStore and MemoryStore
type LocalStore interface {
	Store
	Queue
}

func validateAction(action string) error {
	switch action {
	case ActionUpsert, ActionDelete:
		return nil
	default:
		return fmt.Errorf("invalid queue action %q", action)
	}
}

func validateFailStatus(status string) error {
	switch status {
	case StatusFailed, StatusParked:
		return nil
	default:
		return fmt.Errorf("invalid failure status %q", status)
	}
}
