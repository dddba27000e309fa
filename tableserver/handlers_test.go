package tableserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/DELTA-RISE/sis-davus-sub000/internal/jsonorder"
	"github.com/DELTA-RISE/sis-davus-sub000/metrics"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
)

// memTables is an in-memory TableStore
type memTables struct {
	mu     sync.Mutex
	tables map[string]map[string]json.RawMessage
}

func newMemTables(names ...string) *memTables {
	m := &memTables{tables: make(map[string]map[string]json.RawMessage)}
	for _, n := range names {
		m.tables[n] = make(map[string]json.RawMessage)
	}
	return m
}

func (m *memTables) IsTableRegistered(table string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[table]
	return ok
}

func (m *memTables) Select(_ context.Context, table, field string, ascending bool) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []json.RawMessage
	for _, row := range m.tables[table] {
		out = append(out, row)
	}
	jsonorder.Sort(out, func(d json.RawMessage) json.RawMessage { return d }, "id", true)
	jsonorder.Sort(out, func(d json.RawMessage) json.RawMessage { return d }, field, ascending)
	return out, nil
}

func (m *memTables) Get(_ context.Context, table, id string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, id)
	}
	return row, nil
}

func (m *memTables) Upsert(_ context.Context, table string, row json.RawMessage) (json.RawMessage, error) {
	id, err := documentID(row)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table][id] = row
	return row, nil
}

func (m *memTables) Delete(_ context.Context, table string, match map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, row := range m.tables[table] {
		var doc map[string]any
		if err := json.Unmarshal(row, &doc); err != nil {
			return 0, err
		}
		hit := true
		for k, v := range match {
			if fmt.Sprint(doc[k]) != fmt.Sprint(v) {
				hit = false
				break
			}
		}
		if hit {
			delete(m.tables[table], id)
			deleted++
		}
	}
	return deleted, nil
}

type apiHarness struct {
	tables  *memTables
	server  *httptest.Server
	backend *remote.HTTPBackend
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	tables := newMemTables("products", "assets")
	jwtAuth := NewJWTAuth("test-secret", nil)
	server := httptest.NewServer(NewRouter(NewHandlers(tables, nil), jwtAuth, prometheus.NewRegistry()))
	t.Cleanup(server.Close)

	token, err := jwtAuth.GenerateToken("alice", "tablet-1", time.Hour)
	require.NoError(t, err)
	backend := remote.NewHTTPBackend(server.URL, func(context.Context) (string, error) { return token, nil })
	return &apiHarness{tables: tables, server: server, backend: backend}
}

func TestHTTPUpsertThenSelectOrdered(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	for _, row := range []string{
		`{"id":"p1","name":"Bolts","quantity":10}`,
		`{"id":"p2","name":"Anchors","quantity":3}`,
		`{"id":"p3","name":"Cable"}`,
	} {
		stored, err := h.backend.Upsert(ctx, "products", json.RawMessage(row))
		require.NoError(t, err)
		require.JSONEq(t, row, string(stored))
	}

	rows, err := h.backend.Select(ctx, "products", remote.Order{Field: "name", Ascending: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "p2", jsonorder.Field(rows[0], "id"))
	require.Equal(t, "p1", jsonorder.Field(rows[1], "id"))
	require.Equal(t, "p3", jsonorder.Field(rows[2], "id"))

	rows, err = h.backend.Select(ctx, "products", remote.Order{Field: "quantity", Ascending: false})
	require.NoError(t, err)
	require.Equal(t, "p1", jsonorder.Field(rows[0], "id"))
}

func TestHTTPSelectEmptyTable(t *testing.T) {
	h := newAPIHarness(t)
	rows, err := h.backend.Select(context.Background(), "assets", remote.Order{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestHTTPSelectByIDNotFound(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	_, err := h.backend.SelectByID(ctx, "assets", "missing")
	require.ErrorIs(t, err, remote.ErrNotFound)

	_, err = h.backend.Upsert(ctx, "assets", json.RawMessage(`{"id":"a1","status":"available"}`))
	require.NoError(t, err)
	row, err := h.backend.SelectByID(ctx, "assets", "a1")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"a1","status":"available"}`, string(row))
}

func TestHTTPDeleteByMatch(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	_, err := h.backend.Upsert(ctx, "assets", json.RawMessage(`{"id":"a1"}`))
	require.NoError(t, err)
	_, err = h.backend.Upsert(ctx, "assets", json.RawMessage(`{"id":"a2"}`))
	require.NoError(t, err)

	require.NoError(t, h.backend.Delete(ctx, "assets", map[string]any{"id": "a1"}))
	require.NoError(t, h.backend.Delete(ctx, "assets", map[string]any{"id": "nobody"}))

	rows, err := h.backend.Select(ctx, "assets", remote.Order{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "a2", jsonorder.Field(rows[0], "id"))
}

func TestHTTPRejectionsArePermanent(t *testing.T) {
	h := newAPIHarness(t)
	ctx := context.Background()

	_, err := h.backend.Select(ctx, "ghosts", remote.Order{})
	var remoteErr *remote.Error
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusNotFound, remoteErr.Status)
	require.Equal(t, "unregistered_table", remoteErr.Code)
	require.True(t, remote.IsPermanent(err))

	_, err = h.backend.Upsert(ctx, "products", json.RawMessage(`{"name":"no id"}`))
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusBadRequest, remoteErr.Status)
	require.Equal(t, "bad_payload", remoteErr.Code)
	require.True(t, remote.IsPermanent(err))
}

func TestHTTPRequiresToken(t *testing.T) {
	h := newAPIHarness(t)
	anonymous := remote.NewHTTPBackend(h.server.URL, nil)

	_, err := anonymous.Select(context.Background(), "products", remote.Order{})
	var remoteErr *remote.Error
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusUnauthorized, remoteErr.Status)
	require.Equal(t, "authentication_failed", remoteErr.Code)
}

func TestHTTPUnreachableIsUnavailable(t *testing.T) {
	h := newAPIHarness(t)
	h.server.Close()

	_, err := h.backend.Select(context.Background(), "products", remote.Order{})
	require.ErrorIs(t, err, remote.ErrUnavailable)
	require.False(t, remote.IsPermanent(err))
}

func TestHealthAndRequestCounter(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	counter := metrics.ServerRequests.WithLabelValues("GET /tables/{table}", "200")
	before := testutil.ToFloat64(counter)
	_, err = h.backend.Select(context.Background(), "products", remote.Order{})
	require.NoError(t, err)
	require.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestUpsertRejectsOversizedRow(t *testing.T) {
	tables := newMemTables("products")
	handlers := NewHandlers(tables, nil)
	handlers.MaxBodyBytes = 16
	jwtAuth := NewJWTAuth("test-secret", nil)
	server := httptest.NewServer(NewRouter(handlers, jwtAuth, nil))
	t.Cleanup(server.Close)

	token, err := jwtAuth.GenerateToken("alice", "tablet-1", time.Hour)
	require.NoError(t, err)
	backend := remote.NewHTTPBackend(server.URL, func(context.Context) (string, error) { return token, nil })

	_, err = backend.Upsert(context.Background(), "products", json.RawMessage(`{"id":"p1","name":"much too long for the limit"}`))
	var remoteErr *remote.Error
	require.ErrorAs(t, err, &remoteErr)
	require.Equal(t, http.StatusRequestEntityTooLarge, remoteErr.Status)
}
