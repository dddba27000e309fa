// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package inventory exposes the per-entity API of the asset tracker on top of the
// local-first entity layer, and the subscribers that derive audit and timeline
// records from committed writes.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/DELTA-RISE/sis-davus-sub000/entity"
	"github.com/DELTA-RISE/sis-davus-sub000/internal/auth"
)

// Config holds catalog settings
type Config struct {
	// ReadFreshness lets Get(ctx, false) serve the local mirror when the last remote
	// fetch of the kind is younger than this. Zero makes every Get network-first.
	ReadFreshness time.Duration
}

// Catalog holds one repository per entity kind
type Catalog struct {
	layer  *entity.Layer
	logger *slog.Logger
	byKind map[entity.Kind]Collection

	Products         *Repo[Product]
	Assets           *Repo[Asset]
	StockMovements   *Repo[StockMovement]
	MaintenanceTasks *Repo[MaintenanceTask]
	Checkouts        *Repo[Checkout]
	CostCenters      *Repo[CostCenter]
	StorageLocations *Repo[StorageLocation]
	AuditLogs        *Repo[AuditLog]
	UserProfiles     *Repo[UserProfile]
	AssetTimelines   *Repo[AssetTimeline]
}

// NewCatalog registers every inventory kind with layer
func NewCatalog(ctx context.Context, layer *entity.Layer, config *Config, logger *slog.Logger) (*Catalog, error) {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{layer: layer, logger: logger, byKind: make(map[entity.Kind]Collection)}

	specs := make(map[entity.Kind]entity.Spec)
	for _, s := range Specs() {
		specs[s.Kind] = s
	}

	var err error
	if c.Products, err = register[Product](ctx, c, specs[KindProduct], config); err != nil {
		return nil, err
	}
	if c.Assets, err = register[Asset](ctx, c, specs[KindAsset], config); err != nil {
		return nil, err
	}
	if c.StockMovements, err = register[StockMovement](ctx, c, specs[KindStockMovement], config); err != nil {
		return nil, err
	}
	if c.MaintenanceTasks, err = register[MaintenanceTask](ctx, c, specs[KindMaintenanceTask], config); err != nil {
		return nil, err
	}
	if c.Checkouts, err = register[Checkout](ctx, c, specs[KindCheckout], config); err != nil {
		return nil, err
	}
	if c.CostCenters, err = register[CostCenter](ctx, c, specs[KindCostCenter], config); err != nil {
		return nil, err
	}
	if c.StorageLocations, err = register[StorageLocation](ctx, c, specs[KindStorageLocation], config); err != nil {
		return nil, err
	}
	if c.AuditLogs, err = register[AuditLog](ctx, c, specs[KindAuditLog], config); err != nil {
		return nil, err
	}
	if c.UserProfiles, err = register[UserProfile](ctx, c, specs[KindUserProfile], config); err != nil {
		return nil, err
	}
	if c.AssetTimelines, err = register[AssetTimeline](ctx, c, specs[KindAssetTimeline], config); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T entity.Record](ctx context.Context, c *Catalog, spec entity.Spec, config *Config) (*Repo[T], error) {
	table, err := entity.Register[T](ctx, c.layer, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", spec.Kind, err)
	}
	r := &Repo[T]{
		table:     table,
		layer:     c.layer,
		freshness: config.ReadFreshness,
		now:       time.Now,
		logger:    c.logger,
	}
	c.byKind[spec.Kind] = r
	return r, nil
}

// Layer returns the underlying entity layer
func (c *Catalog) Layer() *entity.Layer {
	return c.layer
}

// Collection returns the untyped repository of a kind
func (c *Catalog) Collection(kind entity.Kind) (Collection, bool) {
	col, ok := c.byKind[kind]
	return col, ok
}

// Collections returns every repository sorted by kind
func (c *Catalog) Collections() []Collection {
	out := make([]Collection, 0, len(c.byKind))
	for _, col := range c.byKind {
		out = append(out, col)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec().Kind < out[j].Spec().Kind })
	return out
}

// WriteStatus reports how a write through a Collection ended
type WriteStatus struct {
	Confirmed bool `json:"confirmed"`
	Queued    bool `json:"queued"`
}

// ListOptions controls an untyped listing. An empty Field uses the kind's default order.
type ListOptions struct {
	Field        string
	Descending   bool
	ForceRefresh bool
}

// Collection is the JSON view of a repository used by tools that pick the kind at runtime
type Collection interface {
	Spec() entity.Spec
	ListJSON(ctx context.Context, opts ListOptions) ([]json.RawMessage, error)
	GetJSON(ctx context.Context, id string) (json.RawMessage, bool, error)
	SaveJSON(ctx context.Context, doc json.RawMessage, actor string) (json.RawMessage, WriteStatus, error)
	Delete(ctx context.Context, id, actor string) bool
}

type identified interface {
	assignID(id string)
}

type stamped interface {
	stamp(now time.Time)
}

// Repo is the per-entity API for one kind
type Repo[T entity.Record] struct {
	table     *entity.Table[T]
	layer     *entity.Layer
	freshness time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Spec returns the kind's table description
func (r *Repo[T]) Spec() entity.Spec {
	return r.table.Spec()
}

// Get lists every record in the default order. Unless forceRefresh is set, a
// recent remote fetch (see Config.ReadFreshness) is served from the local mirror.
func (r *Repo[T]) Get(ctx context.Context, forceRefresh bool) []T {
	if r.fresh(forceRefresh) {
		return r.table.Local(ctx)
	}
	return r.table.All(ctx)
}

func (r *Repo[T]) fresh(forceRefresh bool) bool {
	if forceRefresh || r.freshness <= 0 {
		return false
	}
	at, ok := r.layer.LastRemoteFetch(r.table.Spec().Kind)
	return ok && r.now().Sub(at) < r.freshness
}

// GetByID fetches one record from the remote backend; nil when it cannot be fetched
func (r *Repo[T]) GetByID(ctx context.Context, id string) *T {
	v, ok := r.table.ByID(ctx, id)
	if !ok {
		return nil
	}
	return &v
}

// Save assigns an id to new records, stamps client timestamps and writes v local-first.
// actor, when set, is attributed to the write in committed events.
func (r *Repo[T]) Save(ctx context.Context, v T, actor string) (entity.TypedResult[T], error) {
	if v.PrimaryKey() == "" {
		if s, ok := any(&v).(identified); ok {
			s.assignID(uuid.NewString())
		}
	}
	if s, ok := any(&v).(stamped); ok {
		s.stamp(r.now().UTC())
	}
	return r.table.Upsert(withActor(ctx, actor), v)
}

// Delete removes a record by id
func (r *Repo[T]) Delete(ctx context.Context, id, actor string) bool {
	return r.table.Remove(withActor(ctx, actor), id)
}

func (r *Repo[T]) ListJSON(ctx context.Context, opts ListOptions) ([]json.RawMessage, error) {
	var items []T
	if opts.Field == "" && !opts.Descending {
		items = r.Get(ctx, opts.ForceRefresh)
	} else {
		field := opts.Field
		if field == "" {
			field = r.table.Spec().OrderField
		}
		items = r.table.AllOrdered(ctx, field, !opts.Descending)
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, v := range items {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s record: %w", r.table.Spec().Kind, err)
		}
		out = append(out, data)
	}
	return out, nil
}

func (r *Repo[T]) GetJSON(ctx context.Context, id string) (json.RawMessage, bool, error) {
	v := r.GetByID(ctx, id)
	if v == nil {
		return nil, false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode %s record: %w", r.table.Spec().Kind, err)
	}
	return data, true, nil
}

func (r *Repo[T]) SaveJSON(ctx context.Context, doc json.RawMessage, actor string) (json.RawMessage, WriteStatus, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, WriteStatus{}, fmt.Errorf("failed to decode %s record: %w", r.table.Spec().Kind, err)
	}
	res, err := r.Save(ctx, v, actor)
	if err != nil {
		return nil, WriteStatus{}, err
	}
	data, err := json.Marshal(res.Value)
	if err != nil {
		return nil, WriteStatus{}, fmt.Errorf("failed to encode %s record: %w", r.table.Spec().Kind, err)
	}
	return data, WriteStatus{Confirmed: res.Confirmed, Queued: res.Queued}, nil
}

func withActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return auth.WithActor(ctx, actor)
}
