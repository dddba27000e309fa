package entity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DELTA-RISE/sis-davus-sub000/connectivity"
	"github.com/DELTA-RISE/sis-davus-sub000/hooks"
	"github.com/DELTA-RISE/sis-davus-sub000/internal/auth"
	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
)

type item struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Rev      int    `json:"rev,omitempty"`
}

func (i item) PrimaryKey() string { return i.ID }

type recorder struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (r *recorder) Publish(ev hooks.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []hooks.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hooks.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	store   *localstore.MemoryStore
	backend *remote.MemoryBackend
	oracle  *connectivity.Oracle
	events  *recorder
	layer   *Layer
	items   *Table[item]
}

func newHarness(t *testing.T, online bool, timeout time.Duration) *harness {
	t.Helper()
	h := &harness{
		store:   localstore.NewMemoryStore(),
		backend: remote.NewMemoryBackend(),
		oracle:  connectivity.New(online),
		events:  &recorder{},
	}
	h.layer = NewLayer(h.store, h.backend, h.oracle, &Config{Timeout: timeout, Events: h.events}, nil)
	var err error
	h.items, err = Register[item](context.Background(), h.layer, Spec{Kind: "item", Table: "items", OrderField: "name", Ascending: true})
	require.NoError(t, err)
	return h
}

func (h *harness) queued(t *testing.T) []localstore.Entry {
	t.Helper()
	entries, err := h.store.List(context.Background())
	require.NoError(t, err)
	return entries
}

func TestReadFallsBackToLocalMirror(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)

	for _, it := range []item{{ID: "2", Name: "Wrench"}, {ID: "1", Name: "Anvil"}} {
		res, err := h.items.Upsert(ctx, it)
		require.NoError(t, err)
		require.True(t, res.Confirmed)
	}

	h.backend.SetDown(true)
	got := h.items.All(ctx)
	require.Equal(t, []item{{ID: "1", Name: "Anvil"}, {ID: "2", Name: "Wrench"}}, got)
}

func TestReadOfflineReturnsEmptyWithoutData(t *testing.T) {
	h := newHarness(t, false, 0)
	got := h.items.All(context.Background())
	require.NotNil(t, got)
	require.Empty(t, got)
	require.Empty(t, h.backend.Calls())
}

func TestOnlineReadReplacesLocalMirror(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 0)

	_, err := h.items.Upsert(ctx, item{ID: "stale", Name: "Gone"})
	require.NoError(t, err)
	require.NoError(t, h.backend.Seed("items",
		json.RawMessage(`{"id":"a","name":"Bolt","quantity":4}`),
		json.RawMessage(`{"id":"b","name":"Axe","quantity":1}`),
	))

	h.oracle.Set(true)
	got := h.items.AllOrdered(ctx, "quantity", false)
	require.Equal(t, []string{"a", "b"}, []string{got[0].ID, got[1].ID})

	local, err := h.store.GetAll(ctx, "items")
	require.NoError(t, err)
	require.Len(t, local, 2)

	_, ok := h.layer.LastRemoteFetch("item")
	require.True(t, ok)
}

func TestOfflineWriteThenRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 0)

	res, err := h.items.Upsert(ctx, item{ID: "p", Name: "Pliers", Quantity: 10})
	require.NoError(t, err)
	require.False(t, res.Confirmed)
	require.True(t, res.Queued)
	require.Equal(t, item{ID: "p", Name: "Pliers", Quantity: 10}, res.Value)

	require.Equal(t, []item{{ID: "p", Name: "Pliers", Quantity: 10}}, h.items.All(ctx))
	require.Empty(t, h.backend.Calls())

	entries := h.queued(t)
	require.Len(t, entries, 1)
	require.Equal(t, "items", entries[0].Table)
	require.Equal(t, localstore.ActionUpsert, entries[0].Action)
	require.JSONEq(t, `{"id":"p","name":"Pliers","quantity":10}`, string(entries[0].Payload))
}

func TestQueueAccumulatesWithoutCoalescing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 0)

	for q := 1; q <= 3; q++ {
		_, err := h.items.Upsert(ctx, item{ID: "p", Name: "Pliers", Quantity: q})
		require.NoError(t, err)
	}
	entries := h.queued(t)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Seq)
	}
}

func TestRemoteFailureQueuesWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)
	h.backend.Intercept = func(op, table string, row json.RawMessage) error {
		return &remote.Error{Status: 503, Code: "unavailable"}
	}

	res, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)
	require.False(t, res.Confirmed)
	require.True(t, res.Queued)
	require.Len(t, h.queued(t), 1)
}

func TestConfirmedWriteReturnsServerRow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)
	h.backend.Revisions = true

	res, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)
	require.True(t, res.Confirmed)
	require.False(t, res.Queued)
	require.Equal(t, 1, res.Value.Rev)
	require.Empty(t, h.queued(t))

	local, err := h.store.GetAll(ctx, "items")
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"x","name":"Saw","quantity":0,"rev":1}`, string(local[0].Data))
}

func TestLocalWriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)
	h.store.FailWrites = errors.New("disk full")

	res, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)
	require.True(t, res.Confirmed)
	require.True(t, h.items.Remove(ctx, "x"))
}

func TestGetByIDHasNoOfflineFallback(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)

	_, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)

	got, ok := h.items.ByID(ctx, "x")
	require.True(t, ok)
	require.Equal(t, "Saw", got.Name)

	h.backend.SetDown(true)
	_, ok = h.items.ByID(ctx, "x")
	require.False(t, ok)

	h.backend.SetDown(false)
	_, ok = h.items.ByID(ctx, "missing")
	require.False(t, ok)
}

func TestRemoteTimeoutQueuesWithinBound(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 50*time.Millisecond)
	block := make(chan struct{})
	h.backend.Block = block
	t.Cleanup(func() { close(block) })

	start := time.Now()
	res, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.False(t, res.Confirmed)
	require.True(t, res.Queued)

	start = time.Now()
	got := h.items.All(ctx)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, got, 1)
}

func TestRemoveQueuesDeleteOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false, 0)

	_, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)
	require.True(t, h.items.Remove(ctx, "x"))
	require.Empty(t, h.items.All(ctx))

	entries := h.queued(t)
	require.Len(t, entries, 2)
	require.Equal(t, localstore.ActionDelete, entries[1].Action)
	require.JSONEq(t, `{"id":"x"}`, string(entries[1].Payload))
}

func TestRemoveOnlineDeletesRemotely(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)

	_, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)
	require.True(t, h.items.Remove(ctx, "x"))
	require.Equal(t, 0, h.backend.Count("items"))
	require.Empty(t, h.queued(t))
}

func TestUpsertRejectsEmptyPrimaryKey(t *testing.T) {
	h := newHarness(t, true, 0)
	_, err := h.items.Upsert(context.Background(), item{Name: "nameless"})
	require.ErrorIs(t, err, ErrMissingPrimaryKey)
	require.Empty(t, h.backend.Calls())
	require.Empty(t, h.events.types())
}

func TestWritesPublishCommitEvents(t *testing.T) {
	ctx := auth.With(context.Background(), auth.Identity{Actor: "alice", Device: "tablet-1"})
	h := newHarness(t, true, 0)

	_, err := h.items.Upsert(ctx, item{ID: "x", Name: "Saw"})
	require.NoError(t, err)
	h.oracle.Set(false)
	require.True(t, h.items.Remove(ctx, "x"))

	require.Equal(t, []hooks.EventType{hooks.Committed, hooks.Committed, hooks.SavedOffline}, h.events.types())
	first := h.events.events[0]
	require.Equal(t, "item", first.Kind)
	require.Equal(t, hooks.OpUpsert, first.Op)
	require.True(t, first.Confirmed)
	require.Equal(t, "alice", first.Actor)
	require.Equal(t, "tablet-1", first.Device)

	second := h.events.events[1]
	require.Equal(t, hooks.OpDelete, second.Op)
	require.True(t, second.Queued)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)

	_, err := Register[item](ctx, h.layer, Spec{Kind: "item", Table: "other"})
	require.Error(t, err)
	_, err = Register[item](ctx, h.layer, Spec{Kind: "other", Table: "items"})
	require.Error(t, err)
	_, err = Register[item](ctx, h.layer, Spec{Kind: "bad", Table: "drop table"})
	require.Error(t, err)
	_, err = Register[item](ctx, h.layer, Spec{Kind: "queue", Table: localstore.QueueTable})
	require.Error(t, err)

	specs := h.layer.Registry().Specs()
	require.Len(t, specs, 1)
	spec, ok := h.layer.Registry().ByTable("items")
	require.True(t, ok)
	require.Equal(t, Kind("item"), spec.Kind)
}

func TestUnregisteredKindIsHarmless(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true, 0)

	require.Nil(t, h.layer.GetAll(ctx, "ghost", "", true))
	_, ok := h.layer.GetByID(ctx, "ghost", "1")
	require.False(t, ok)
	res := h.layer.Upsert(ctx, "ghost", localstore.Row{ID: "1", Data: json.RawMessage(`{"id":"1"}`)})
	require.False(t, res.Confirmed)
	require.False(t, res.Queued)
	require.False(t, h.layer.Remove(ctx, "ghost", "1"))
}
