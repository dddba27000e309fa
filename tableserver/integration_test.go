package tableserver_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/DELTA-RISE/sis-davus-sub000/connectivity"
	"github.com/DELTA-RISE/sis-davus-sub000/entity"
	"github.com/DELTA-RISE/sis-davus-sub000/internal/jsonorder"
	"github.com/DELTA-RISE/sis-davus-sub000/inventory"
	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
	"github.com/DELTA-RISE/sis-davus-sub000/syncqueue"
	"github.com/DELTA-RISE/sis-davus-sub000/tableserver"
)

// IntegrationHarness runs the table server against a PostgreSQL container
type IntegrationHarness struct {
	t          *testing.T
	ctx        context.Context
	container  *postgres.PostgresContainer
	components *tableserver.ServerComponents
	server     *httptest.Server
	backend    *remote.HTTPBackend
}

func NewIntegrationHarness(t *testing.T) *IntegrationHarness {
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("invsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	var tables []string
	for _, spec := range inventory.Specs() {
		tables = append(tables, spec.Table)
	}
	components, err := tableserver.SetupServer(ctx, &tableserver.ServerConfig{
		DatabaseURL: connStr,
		JWTSecret:   "test-secret-key",
		AppName:     "invsync-integration-test",
		Tables:      tables,
		Logger:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(components.Close)

	server := httptest.NewServer(components.Handler)
	t.Cleanup(server.Close)

	token, err := components.JWTAuth.GenerateToken("alice", "tablet-1", time.Hour)
	require.NoError(t, err)

	return &IntegrationHarness{
		t:          t,
		ctx:        ctx,
		container:  container,
		components: components,
		server:     server,
		backend:    remote.NewHTTPBackend(server.URL, func(context.Context) (string, error) { return token, nil }),
	}
}

func TestIntegrationMigrateIsIdempotent(t *testing.T) {
	h := NewIntegrationHarness(t)
	require.NoError(t, tableserver.Migrate(h.ctx, h.components.Pool))
}

func TestIntegrationServiceOrdering(t *testing.T) {
	h := NewIntegrationHarness(t)
	svc := h.components.Service

	for _, row := range []string{
		`{"id":"p1","name":"Bolts","quantity":10}`,
		`{"id":"p2","name":"Anchors","quantity":9}`,
		`{"id":"p3","name":"Cable","quantity":100}`,
	} {
		_, err := svc.Upsert(h.ctx, "products", json.RawMessage(row))
		require.NoError(t, err)
	}

	rows, err := svc.Select(h.ctx, "products", "quantity", true)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "p2", jsonorder.Field(rows[0], "id"))
	require.Equal(t, "p3", jsonorder.Field(rows[2], "id"))

	rows, err = svc.Select(h.ctx, "products", "name", false)
	require.NoError(t, err)
	require.Equal(t, "p3", jsonorder.Field(rows[0], "id"))

	_, err = svc.Select(h.ctx, "products", "name; DROP TABLE", true)
	require.ErrorIs(t, err, tableserver.ErrBadPayload)

	_, err = svc.Get(h.ctx, "products", "nope")
	require.ErrorIs(t, err, tableserver.ErrNotFound)

	n, err := svc.Delete(h.ctx, "products", map[string]any{"id": "p1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestIntegrationOfflineWritesReplayAgainstServer(t *testing.T) {
	h := NewIntegrationHarness(t)
	ctx := h.ctx

	store, err := localstore.OpenSQLite(t.TempDir()+"/local.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	oracle := connectivity.New(true)
	layer := entity.NewLayer(store, h.backend, oracle, nil, nil)
	catalog, err := inventory.NewCatalog(ctx, layer, nil, nil)
	require.NoError(t, err)
	processor := syncqueue.NewProcessor(store, h.backend, oracle, nil, nil)
	detach := processor.Attach(ctx, oracle)
	t.Cleanup(detach)

	res, err := catalog.Products.Save(ctx, inventory.Product{ID: "p1", SKU: "BLT", Name: "Bolts", Quantity: 10}, "alice")
	require.NoError(t, err)
	require.True(t, res.Confirmed)

	oracle.Set(false)
	_, err = catalog.Products.Save(ctx, inventory.Product{ID: "p1", SKU: "BLT", Name: "Bolts", Quantity: 7}, "alice")
	require.NoError(t, err)
	_, err = catalog.Assets.Save(ctx, inventory.Asset{ID: "a1", Name: "Drill", Status: inventory.AssetAvailable}, "alice")
	require.NoError(t, err)
	require.True(t, catalog.Products.Delete(ctx, "p-missing", "alice"))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	oracle.Set(true)
	processor.Wait()

	n, err = store.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	got := catalog.Products.GetByID(ctx, "p1")
	require.NotNil(t, got)
	require.Equal(t, 7, got.Quantity)

	assets := catalog.Assets.Get(ctx, true)
	require.Len(t, assets, 1)
	require.Equal(t, "Drill", assets[0].Name)
}
