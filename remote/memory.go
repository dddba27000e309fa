// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/DELTA-RISE/sis-davus-sub000/internal/jsonorder"
)

// Call records one request received by a MemoryBackend
type Call struct {
	Op    string
	Table string
	ID    string
}

// MemoryBackend is an in-process Backend with failure injection. The zero value is not usable;
// create it with NewMemoryBackend.
type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string]map[string]json.RawMessage
	calls  []Call
	down   bool
	rev    int64

	// Intercept, when set, runs before every operation; a non-nil error is returned to the caller
	Intercept func(op, table string, row json.RawMessage) error
	// Block, when set, makes every operation wait until it can receive from the channel
	Block chan struct{}
	// Revisions stamps a monotonically increasing "rev" member into every upserted row
	Revisions bool
}

// NewMemoryBackend creates an empty, reachable backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]map[string]json.RawMessage)}
}

// SetDown makes every operation fail with ErrUnavailable while down is true
func (m *MemoryBackend) SetDown(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// Calls returns the requests received so far
func (m *MemoryBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Row returns the stored row, if any
func (m *MemoryBackend) Row(table, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	return row, ok
}

// Count returns the number of rows stored in table
func (m *MemoryBackend) Count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Seed stores rows directly, bypassing interception and call logging
func (m *MemoryBackend) Seed(table string, rows ...json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		id, err := rowID(row)
		if err != nil {
			return err
		}
		m.tableLocked(table)[id] = row
	}
	return nil
}

func (m *MemoryBackend) tableLocked(table string) map[string]json.RawMessage {
	t, ok := m.tables[table]
	if !ok {
		t = make(map[string]json.RawMessage)
		m.tables[table] = t
	}
	return t
}

func (m *MemoryBackend) enter(ctx context.Context, op, table, id string, row json.RawMessage) error {
	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Table: table, ID: id})
	down := m.down
	intercept := m.Intercept
	m.mu.Unlock()

	if down {
		return ErrUnavailable
	}
	if intercept != nil {
		if err := intercept(op, table, row); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) Select(ctx context.Context, table string, order Order) ([]json.RawMessage, error) {
	if err := m.enter(ctx, "select", table, "", nil); err != nil {
		return nil, err
	}
	m.mu.Lock()
	t := m.tables[table]
	rows := make([]json.RawMessage, 0, len(t))
	keys := make([]string, 0, len(t))
	for id := range t {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	for _, id := range keys {
		rows = append(rows, t[id])
	}
	m.mu.Unlock()

	jsonorder.Sort(rows, func(r json.RawMessage) json.RawMessage { return r }, order.Field, order.Ascending)
	return rows, nil
}

func (m *MemoryBackend) SelectByID(ctx context.Context, table, id string) (json.RawMessage, error) {
	if err := m.enter(ctx, "select_by_id", table, id, nil); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return nil, ErrNotFound
	}
	return row, nil
}

func (m *MemoryBackend) Upsert(ctx context.Context, table string, row json.RawMessage) (json.RawMessage, error) {
	id, err := rowID(row)
	if err != nil {
		_ = m.enter(ctx, "upsert", table, "", row)
		return nil, &Error{Status: http.StatusBadRequest, Code: "bad_payload", Message: err.Error()}
	}
	if err := m.enter(ctx, "upsert", table, id, row); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stored := row
	if m.Revisions {
		var doc map[string]any
		if err := json.Unmarshal(row, &doc); err != nil {
			return nil, &Error{Status: http.StatusBadRequest, Code: "bad_payload", Message: err.Error()}
		}
		m.rev++
		doc["rev"] = m.rev
		if stored, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("failed to encode row: %w", err)
		}
	}
	m.tableLocked(table)[id] = stored
	return stored, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, table string, match map[string]any) error {
	id, _ := match["id"].(string)
	if err := m.enter(ctx, "delete", table, id, nil); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[table]
	for key, row := range t {
		if matches(row, match) {
			delete(t, key)
		}
	}
	return nil
}

func matches(row json.RawMessage, match map[string]any) bool {
	if len(match) == 0 {
		return false
	}
	for field, want := range match {
		got := jsonorder.Field(row, field)
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func rowID(row json.RawMessage) (string, error) {
	var doc struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal(row, &doc); err != nil {
		return "", fmt.Errorf("row is not a JSON object: %w", err)
	}
	id, ok := doc.ID.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("row has no string id")
	}
	return id, nil
}
