// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package entity implements the generic local-first access path shared by every
// entity table: network-first reads with a local fallback, and optimistic writes
// that are queued for later replay when the remote backend cannot confirm them.
//
// No operation in this package returns transport or local store errors to the
// caller. Reads degrade to the local mirror (possibly stale or empty) and writes
// degrade to "accepted locally". Result.Confirmed tells the two write outcomes apart.
package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DELTA-RISE/sis-davus-sub000/hooks"
	"github.com/DELTA-RISE/sis-davus-sub000/internal/auth"
	"github.com/DELTA-RISE/sis-davus-sub000/internal/jsonorder"
	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
	"github.com/DELTA-RISE/sis-davus-sub000/metrics"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
)

// Connectivity reports whether the remote backend is believed reachable
type Connectivity interface {
	Online() bool
}

// Config holds optional Layer settings
type Config struct {
	Timeout time.Duration   // bound for every remote call; remote.DefaultTimeout when zero
	Events  hooks.Publisher // receives post-commit events; discarded when nil
	Metrics metrics.Recorder
}

// Result is the outcome of a write
type Result struct {
	Row       localstore.Row
	Confirmed bool // the remote backend acknowledged the write and Row is the server's copy
	Queued    bool // the write was appended to the sync queue for later replay
}

// Layer is the untyped entity access path. Typed access goes through Table.
type Layer struct {
	registry *Registry
	store    localstore.LocalStore
	backend  remote.Backend
	conn     Connectivity
	events   hooks.Publisher
	metrics  metrics.Recorder
	timeout  time.Duration
	logger   *slog.Logger

	fetchMu   sync.Mutex
	lastFetch map[Kind]time.Time
}

// NewLayer wires a layer over a local store, a remote backend and a connectivity source
func NewLayer(store localstore.LocalStore, backend remote.Backend, conn Connectivity, config *Config, logger *slog.Logger) *Layer {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	events := config.Events
	if events == nil {
		events = hooks.Discard{}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = remote.DefaultTimeout
	}
	return &Layer{
		registry:  NewRegistry(),
		store:     store,
		backend:   backend,
		conn:      conn,
		events:    events,
		metrics:   metrics.OrNop(config.Metrics),
		timeout:   timeout,
		logger:    logger,
		lastFetch: make(map[Kind]time.Time),
	}
}

// Registry returns the kinds known to this layer
func (l *Layer) Registry() *Registry {
	return l.registry
}

// Online reports the current connectivity state
func (l *Layer) Online() bool {
	return l.conn.Online()
}

// Queue exposes the sync queue for observers such as status boards
func (l *Layer) Queue() localstore.Queue {
	return l.store
}

// LastRemoteFetch returns when GetAll last refreshed kind from the remote backend
func (l *Layer) LastRemoteFetch(kind Kind) (time.Time, bool) {
	l.fetchMu.Lock()
	defer l.fetchMu.Unlock()
	t, ok := l.lastFetch[kind]
	return t, ok
}

func (l *Layer) lookup(kind Kind) (Spec, bool) {
	spec, ok := l.registry.Lookup(kind)
	if !ok {
		l.logger.Error("Unregistered entity kind", "kind", kind)
	}
	return spec, ok
}

func bounded[T any](ctx context.Context, l *Layer, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := remote.WithTimeout(ctx, l.timeout, fn)
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, remote.ErrTimedOut):
		outcome = metrics.OutcomeTimeout
	case err != nil:
		outcome = metrics.OutcomeError
	}
	l.metrics.ObserveRemoteCall(op, outcome, time.Since(start))
	return v, err
}

// GetAll lists a table network-first. Online, a successful remote fetch replaces the
// local table and is returned as is. Offline or on any remote failure the local
// mirror is returned sorted by orderField.
func (l *Layer) GetAll(ctx context.Context, kind Kind, orderField string, ascending bool) []localstore.Row {
	spec, ok := l.lookup(kind)
	if !ok {
		return nil
	}
	if !l.conn.Online() {
		return l.localSorted(ctx, spec, orderField, ascending)
	}

	docs, err := bounded(ctx, l, "select", func(c context.Context) ([]json.RawMessage, error) {
		return l.backend.Select(c, spec.Table, remote.Order{Field: orderField, Ascending: ascending})
	})
	if err != nil {
		l.logger.Warn("Remote fetch failed, serving local mirror", "table", spec.Table, "error", err)
		l.metrics.ObserveFallbackRead(spec.Table)
		return l.localSorted(ctx, spec, orderField, ascending)
	}

	rows := make([]localstore.Row, 0, len(docs))
	for _, doc := range docs {
		id, err := RowID(doc)
		if err != nil {
			l.logger.Warn("Skipping remote row without id", "table", spec.Table, "error", err)
			continue
		}
		rows = append(rows, localstore.Row{ID: id, Data: doc})
	}

	if err := l.store.ReplaceAll(ctx, spec.Table, rows); err != nil {
		l.logger.Warn("Failed to refresh local mirror", "table", spec.Table, "error", err)
	}
	l.fetchMu.Lock()
	l.lastFetch[spec.Kind] = time.Now()
	l.fetchMu.Unlock()
	return rows
}

// GetLocal lists the local mirror only, sorted by orderField
func (l *Layer) GetLocal(ctx context.Context, kind Kind, orderField string, ascending bool) []localstore.Row {
	spec, ok := l.lookup(kind)
	if !ok {
		return nil
	}
	return l.localSorted(ctx, spec, orderField, ascending)
}

func (l *Layer) localSorted(ctx context.Context, spec Spec, orderField string, ascending bool) []localstore.Row {
	rows, err := l.store.GetAll(ctx, spec.Table)
	if err != nil {
		l.logger.Warn("Failed to read local mirror", "table", spec.Table, "error", err)
		return []localstore.Row{}
	}
	jsonorder.Sort(rows, func(r localstore.Row) json.RawMessage { return r.Data }, orderField, ascending)
	return rows
}

// GetByID asks the remote backend for one row. There is no local fallback: any
// error, timeout or missing row yields false.
func (l *Layer) GetByID(ctx context.Context, kind Kind, id string) (localstore.Row, bool) {
	spec, ok := l.lookup(kind)
	if !ok {
		return localstore.Row{}, false
	}
	doc, err := bounded(ctx, l, "select_by_id", func(c context.Context) (json.RawMessage, error) {
		return l.backend.SelectByID(c, spec.Table, id)
	})
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			l.logger.Warn("Remote lookup failed", "table", spec.Table, "id", id, "error", err)
		}
		return localstore.Row{}, false
	}
	return localstore.Row{ID: id, Data: doc}, true
}

// Upsert writes row locally, then tries to confirm it remotely. An unconfirmed
// write is queued and returned as the caller supplied it.
func (l *Layer) Upsert(ctx context.Context, kind Kind, row localstore.Row) Result {
	spec, ok := l.lookup(kind)
	if !ok {
		return Result{Row: row}
	}

	if err := l.store.Put(ctx, spec.Table, row); err != nil {
		l.logger.Warn("Local write failed", "table", spec.Table, "id", row.ID, "error", err)
	}

	if !l.conn.Online() {
		return l.queueWrite(ctx, spec, hooks.OpUpsert, row, row.Data)
	}

	stored, err := bounded(ctx, l, "upsert", func(c context.Context) (json.RawMessage, error) {
		return l.backend.Upsert(c, spec.Table, row.Data)
	})
	if err != nil {
		l.logger.Warn("Remote upsert failed, queueing", "table", spec.Table, "id", row.ID, "error", err)
		return l.queueWrite(ctx, spec, hooks.OpUpsert, row, row.Data)
	}

	confirmed := localstore.Row{ID: row.ID, Data: stored}
	if len(stored) == 0 || string(stored) == "null" {
		confirmed.Data = row.Data
	}
	if err := l.store.Put(ctx, spec.Table, confirmed); err != nil {
		l.logger.Warn("Failed to store confirmed row", "table", spec.Table, "id", row.ID, "error", err)
	}
	res := Result{Row: confirmed, Confirmed: true}
	l.publish(ctx, spec, hooks.OpUpsert, res)
	return res
}

// Remove deletes a row locally, then remotely by id. It returns true once the local
// delete and, when needed, the queuing were attempted; it does not mean the remote
// row is gone.
func (l *Layer) Remove(ctx context.Context, kind Kind, id string) bool {
	spec, ok := l.lookup(kind)
	if !ok {
		return false
	}

	if err := l.store.Delete(ctx, spec.Table, id); err != nil {
		l.logger.Warn("Local delete failed", "table", spec.Table, "id", id, "error", err)
	}

	row := localstore.Row{ID: id}
	payload, err := json.Marshal(map[string]string{"id": id})
	if err != nil {
		l.logger.Error("Failed to encode delete match", "table", spec.Table, "id", id, "error", err)
		return true
	}

	if !l.conn.Online() {
		l.queueWrite(ctx, spec, hooks.OpDelete, row, payload)
		return true
	}

	_, err = bounded(ctx, l, "delete", func(c context.Context) (struct{}, error) {
		return struct{}{}, l.backend.Delete(c, spec.Table, map[string]any{"id": id})
	})
	if err != nil {
		l.logger.Warn("Remote delete failed, queueing", "table", spec.Table, "id", id, "error", err)
		l.queueWrite(ctx, spec, hooks.OpDelete, row, payload)
		return true
	}

	l.publish(ctx, spec, hooks.OpDelete, Result{Row: row, Confirmed: true})
	return true
}

func (l *Layer) queueWrite(ctx context.Context, spec Spec, op string, row localstore.Row, payload json.RawMessage) Result {
	action := localstore.ActionUpsert
	if op == hooks.OpDelete {
		action = localstore.ActionDelete
	}
	res := Result{Row: row}
	entry, err := l.store.Enqueue(ctx, spec.Table, action, payload)
	if err != nil {
		l.logger.Error("Failed to queue write", "table", spec.Table, "id", row.ID, "action", action, "error", err)
	} else {
		res.Queued = true
		l.metrics.ObserveQueue(metrics.QueueEnqueued)
		l.logger.Debug("Queued write", "table", spec.Table, "id", row.ID, "action", action, "seq", entry.Seq)
	}
	l.publish(ctx, spec, op, res)
	return res
}

func (l *Layer) publish(ctx context.Context, spec Spec, op string, res Result) {
	ev := hooks.Event{
		Type:      hooks.Committed,
		Kind:      string(spec.Kind),
		Table:     spec.Table,
		Op:        op,
		ID:        res.Row.ID,
		Row:       res.Row.Data,
		Confirmed: res.Confirmed,
		Queued:    res.Queued,
	}
	id := auth.From(ctx)
	ev.Actor, ev.Device = id.Actor, id.Device
	l.events.Publish(ev)
	if !res.Confirmed {
		ev.Type = hooks.SavedOffline
		l.events.Publish(ev)
	}
}

// RowID extracts the string "id" member of a JSON object
func RowID(doc json.RawMessage) (string, error) {
	var head struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(doc, &head); err != nil {
		return "", fmt.Errorf("row is not a JSON object: %w", err)
	}
	id, ok := head.ID.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("row has no string id")
	}
	return id, nil
}
