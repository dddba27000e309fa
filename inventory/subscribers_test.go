package inventory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DELTA-RISE/sis-davus-sub000/hooks"
	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
)

func TestAuditSubscriberRecordsWrites(t *testing.T) {
	ctx := context.Background()
	bus := hooks.NewBus(0, nil)
	e := newEnv(t, localstore.NewMemoryStore(), true, bus, nil)
	bus.Subscribe(NewAuditSubscriber(e.catalog, nil))

	res, err := e.catalog.Products.Save(ctx, Product{SKU: "NUT-1", Name: "Nut", Quantity: 100}, "alice")
	require.NoError(t, err)
	require.True(t, e.catalog.Products.Delete(ctx, res.Value.ID, "bob"))
	bus.Close()

	require.Equal(t, 2, e.backend.Count(TableAuditLogs))
	logs := e.catalog.AuditLogs.Get(ctx, true)
	require.Len(t, logs, 2)

	byAction := map[string]AuditLog{}
	for _, l := range logs {
		byAction[l.Action] = l
	}
	upsert := byAction[hooks.OpUpsert]
	require.Equal(t, "alice", upsert.Actor)
	require.Equal(t, TableProducts, upsert.Table)
	require.Equal(t, res.Value.ID, upsert.RecordID)
	require.True(t, upsert.Confirmed)
	require.NotEmpty(t, upsert.Data)

	del := byAction[hooks.OpDelete]
	require.Equal(t, "bob", del.Actor)
	require.Empty(t, del.Data)
}

func TestAuditSubscriberRecordsQueuedWrites(t *testing.T) {
	ctx := context.Background()
	bus := hooks.NewBus(0, nil)
	store := localstore.NewMemoryStore()
	e := newEnv(t, store, false, bus, nil)
	bus.Subscribe(NewAuditSubscriber(e.catalog, nil))

	_, err := e.catalog.CostCenters.Save(ctx, CostCenter{Code: "OPS", Name: "Operations"}, "alice")
	require.NoError(t, err)
	bus.Close()

	require.Len(t, queuedFor(t, store, TableCostCenters), 1)
	require.Len(t, queuedFor(t, store, TableAuditLogs), 1)

	logs := e.catalog.AuditLogs.Get(ctx, false)
	require.Len(t, logs, 1)
	require.True(t, logs[0].Queued)
	require.False(t, logs[0].Confirmed)
}

func TestTimelineSubscriberTracksAssetHistory(t *testing.T) {
	ctx := context.Background()
	bus := hooks.NewBus(0, nil)
	e := newEnv(t, localstore.NewMemoryStore(), true, bus, nil)
	bus.Subscribe(NewTimelineSubscriber(e.catalog, nil))
	bus.Subscribe(NewAuditSubscriber(e.catalog, nil))

	asset, err := e.catalog.Assets.Save(ctx, Asset{Tag: "A-7", Name: "Forklift", Status: AssetAvailable}, "alice")
	require.NoError(t, err)
	co, err := e.catalog.Checkouts.Save(ctx, Checkout{AssetID: asset.Value.ID, UserID: "u-1"}, "alice")
	require.NoError(t, err)

	returned := time.Now().UTC()
	c := co.Value
	c.ReturnedAt = &returned
	_, err = e.catalog.Checkouts.Save(ctx, c, "alice")
	require.NoError(t, err)

	_, err = e.catalog.MaintenanceTasks.Save(ctx, MaintenanceTask{AssetID: asset.Value.ID, Title: "Oil change", Status: TaskScheduled, DueDate: "2025-07-01"}, "")
	require.NoError(t, err)
	_, err = e.catalog.Products.Save(ctx, Product{Name: "Unrelated"}, "")
	require.NoError(t, err)
	bus.Close()

	var events []string
	for _, entry := range e.catalog.AssetTimelines.Get(ctx, true) {
		require.Equal(t, asset.Value.ID, entry.AssetID)
		events = append(events, entry.Event)
	}
	require.ElementsMatch(t, []string{"asset_saved", "checked_out", "returned", "maintenance_scheduled"}, events)

	// five audited writes, none for the derived tables
	require.Equal(t, 5, e.backend.Count(TableAuditLogs))
}

func TestTimelineEntryIgnoresUnrelatedTables(t *testing.T) {
	_, ok, err := timelineEntry(hooks.Event{Type: hooks.Committed, Table: TableProducts, Op: hooks.OpUpsert, Row: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = timelineEntry(hooks.Event{Type: hooks.Committed, Table: TableCheckouts, Op: hooks.OpDelete, ID: "c"})
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = timelineEntry(hooks.Event{Type: hooks.Committed, Table: TableAssets, Op: hooks.OpUpsert, Row: json.RawMessage(`[`)})
	require.Error(t, err)

	entry, ok, err := timelineEntry(hooks.Event{Type: hooks.Committed, Table: TableAssets, Op: hooks.OpDelete, ID: "a"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "asset_deleted", entry.Event)
}

func TestStatusBoardCountsOnlyUserSavesOffline(t *testing.T) {
	ctx := context.Background()
	bus := hooks.NewBus(0, nil)
	store := localstore.NewMemoryStore()
	e := newEnv(t, store, false, bus, nil)
	board := NewStatusBoard(store, e.oracle)
	bus.Subscribe(board)
	bus.Subscribe(hooks.NewWorker(NewAuditSubscriber(e.catalog, nil), nil))
	bus.Subscribe(hooks.NewWorker(NewTimelineSubscriber(e.catalog, nil), nil))

	_, err := e.catalog.Assets.Save(ctx, Asset{Tag: "A-9", Name: "Pallet jack", Status: AssetAvailable}, "alice")
	require.NoError(t, err)
	bus.Close()

	st, err := board.Snapshot(ctx)
	require.NoError(t, err)
	require.False(t, st.Online)
	require.Equal(t, 1, st.OfflineSaves)
	// the asset plus its audit log and timeline rows
	require.Equal(t, 3, st.QueueLength)
	require.Len(t, queuedFor(t, store, TableAuditLogs), 1)
	require.Len(t, queuedFor(t, store, TableAssetTimelines), 1)
}

func TestStatusBoardFollowsEvents(t *testing.T) {
	ctx := context.Background()
	store := localstore.NewMemoryStore()
	board := NewStatusBoard(store, nil)

	_, err := store.Enqueue(ctx, TableProducts, localstore.ActionUpsert, json.RawMessage(`{"id":"1"}`))
	require.NoError(t, err)

	board.Handle(ctx, hooks.Event{Type: hooks.SavedOffline})
	board.Handle(ctx, hooks.Event{Type: hooks.SyncStarted, Total: 3})
	board.Handle(ctx, hooks.Event{Type: hooks.SyncProgress, Done: 2, Total: 3})

	st, err := board.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, st.Syncing)
	require.Equal(t, 2, st.Done)
	require.Equal(t, 3, st.Total)
	require.Equal(t, 1, st.OfflineSaves)
	require.Equal(t, 1, st.QueueLength)
	require.Equal(t, localstore.StatusPending, st.Entries[0].Status)
	require.Nil(t, st.LastSync)

	board.Handle(ctx, hooks.Event{Type: hooks.SyncFinished, Total: 3, Succeeded: 2, Failed: 1})
	st, err = board.Snapshot(ctx)
	require.NoError(t, err)
	require.False(t, st.Syncing)
	require.NotNil(t, st.LastSync)
	require.Equal(t, 2, st.LastSync.Succeeded)
	require.Equal(t, 1, st.LastSync.Failed)
}
