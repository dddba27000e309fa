// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a goroutine-safe in-memory LocalStore. Contents do not survive
// the process; it exists so callers can assert queue contents deterministically.
type MemoryStore struct {
	mu      sync.RWMutex
	tables  map[string]map[string]json.RawMessage
	entries []Entry
	nextSeq int64

	// FailWrites makes every table mutation fail, simulating quota or corruption errors
	FailWrites error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:  make(map[string]map[string]json.RawMessage),
		nextSeq: 1,
	}
}

func (m *MemoryStore) EnsureTable(_ context.Context, table string) error {
	if !ValidTableName(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = make(map[string]json.RawMessage)
	}
	return nil
}

func (m *MemoryStore) table(table string) (map[string]json.RawMessage, error) {
	t, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return t, nil
}

func (m *MemoryStore) GetAll(_ context.Context, table string) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, err := m.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(t))
	for id, data := range t {
		out = append(out, Row{ID: id, Data: cloneRaw(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Put(_ context.Context, table string, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	t, err := m.table(table)
	if err != nil {
		return err
	}
	t[row.ID] = cloneRaw(row.Data)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	t, err := m.table(table)
	if err != nil {
		return err
	}
	delete(t, id)
	return nil
}

func (m *MemoryStore) ReplaceAll(_ context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, err := m.table(table); err != nil {
		return err
	}
	t := make(map[string]json.RawMessage, len(rows))
	for _, row := range rows {
		t[row.ID] = cloneRaw(row.Data)
	}
	m.tables[table] = t
	return nil
}

func (m *MemoryStore) Enqueue(_ context.Context, table, action string, payload json.RawMessage) (Entry, error) {
	if err := validateAction(action); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := Entry{
		Seq:      m.nextSeq,
		Table:    table,
		Action:   action,
		Payload:  cloneRaw(payload),
		QueuedAt: time.Now().UTC(),
		Status:   StatusPending,
	}
	m.nextSeq++
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *MemoryStore) Queued(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Status != StatusParked {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *MemoryStore) find(seq int64) (int, error) {
	for i := range m.entries {
		if m.entries[i].Seq == seq {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %d", ErrEntryNotFound, seq)
}

func (m *MemoryStore) SetStatus(_ context.Context, seq int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(seq)
	if err != nil {
		return err
	}
	m.entries[i].Status = status
	return nil
}

func (m *MemoryStore) MarkFailed(_ context.Context, seq int64, status, lastError string) (Entry, error) {
	if err := validateFailStatus(status); err != nil {
		return Entry{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(seq)
	if err != nil {
		return Entry{}, err
	}
	m.entries[i].Status = status
	m.entries[i].Attempts++
	m.entries[i].LastError = lastError
	return m.entries[i], nil
}

func (m *MemoryStore) Remove(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(seq)
	if err != nil {
		return err
	}
	m.entries = append(m.entries[:i], m.entries[i+1:]...)
	return nil
}

func (m *MemoryStore) Len(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}
