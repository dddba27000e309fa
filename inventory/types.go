// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"encoding/json"
	"time"

	"github.com/DELTA-RISE/sis-davus-sub000/entity"
)

// Entity kinds
const (
	KindProduct         entity.Kind = "product"
	KindAsset           entity.Kind = "asset"
	KindStockMovement   entity.Kind = "stock_movement"
	KindMaintenanceTask entity.Kind = "maintenance_task"
	KindCheckout        entity.Kind = "checkout"
	KindCostCenter      entity.Kind = "cost_center"
	KindStorageLocation entity.Kind = "storage_location"
	KindAuditLog        entity.Kind = "audit_log"
	KindUserProfile     entity.Kind = "user_profile"
	KindAssetTimeline   entity.Kind = "asset_timeline"
)

// Table names
const (
	TableProducts         = "products"
	TableAssets           = "assets"
	TableStockMovements   = "stock_movements"
	TableMaintenanceTasks = "maintenance_tasks"
	TableCheckouts        = "checkouts"
	TableCostCenters      = "cost_centers"
	TableStorageLocations = "storage_locations"
	TableAuditLogs        = "audit_logs"
	TableUserProfiles     = "user_profiles"
	TableAssetTimelines   = "asset_timelines"
)

// Specs lists every inventory table with its default listing order
func Specs() []entity.Spec {
	return []entity.Spec{
		{Kind: KindProduct, Table: TableProducts, OrderField: "name", Ascending: true},
		{Kind: KindAsset, Table: TableAssets, OrderField: "name", Ascending: true},
		{Kind: KindStockMovement, Table: TableStockMovements, OrderField: "created_at", Ascending: false},
		{Kind: KindMaintenanceTask, Table: TableMaintenanceTasks, OrderField: "due_date", Ascending: true},
		{Kind: KindCheckout, Table: TableCheckouts, OrderField: "checked_out_at", Ascending: false},
		{Kind: KindCostCenter, Table: TableCostCenters, OrderField: "code", Ascending: true},
		{Kind: KindStorageLocation, Table: TableStorageLocations, OrderField: "name", Ascending: true},
		{Kind: KindAuditLog, Table: TableAuditLogs, OrderField: "created_at", Ascending: false},
		{Kind: KindUserProfile, Table: TableUserProfiles, OrderField: "full_name", Ascending: true},
		{Kind: KindAssetTimeline, Table: TableAssetTimelines, OrderField: "created_at", Ascending: false},
	}
}

// Asset statuses
const (
	AssetAvailable     = "available"
	AssetCheckedOut    = "checked_out"
	AssetInMaintenance = "in_maintenance"
	AssetRetired       = "retired"
)

// Stock movement types
const (
	MovementIn       = "in"
	MovementOut      = "out"
	MovementAdjust   = "adjust"
	MovementTransfer = "transfer"
)

// Maintenance task statuses
const (
	TaskScheduled  = "scheduled"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskCancelled  = "cancelled"
)

type Product struct {
	ID           string    `json:"id"`
	SKU          string    `json:"sku"`
	Name         string    `json:"name"`
	Category     string    `json:"category,omitempty"`
	Unit         string    `json:"unit,omitempty"`
	Quantity     int       `json:"quantity"`
	ReorderLevel int       `json:"reorder_level"`
	UnitCost     float64   `json:"unit_cost"`
	LocationID   string    `json:"location_id,omitempty"`
	CostCenterID string    `json:"cost_center_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (p Product) PrimaryKey() string   { return p.ID }
func (p *Product) assignID(id string)  { p.ID = id }
func (p *Product) stamp(now time.Time) { p.UpdatedAt = now }
func (p Product) NeedsReorder() bool   { return p.Quantity <= p.ReorderLevel }
func (p Product) StockValue() float64  { return float64(p.Quantity) * p.UnitCost }

type Asset struct {
	ID           string    `json:"id"`
	Tag          string    `json:"tag"`
	Name         string    `json:"name"`
	Category     string    `json:"category,omitempty"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Status       string    `json:"status"`
	LocationID   string    `json:"location_id,omitempty"`
	CostCenterID string    `json:"cost_center_id,omitempty"`
	AssignedTo   string    `json:"assigned_to,omitempty"`
	PurchaseDate string    `json:"purchase_date,omitempty"`
	PurchaseCost float64   `json:"purchase_cost"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (a Asset) PrimaryKey() string   { return a.ID }
func (a *Asset) assignID(id string)  { a.ID = id }
func (a *Asset) stamp(now time.Time) { a.UpdatedAt = now }

// StockMovement records a quantity change of a product
type StockMovement struct {
	ID             string    `json:"id"`
	ProductID      string    `json:"product_id"`
	Type           string    `json:"type"`
	Quantity       int       `json:"quantity"`
	FromLocationID string    `json:"from_location_id,omitempty"`
	ToLocationID   string    `json:"to_location_id,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	Note           string    `json:"note,omitempty"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m StockMovement) PrimaryKey() string  { return m.ID }
func (m *StockMovement) assignID(id string) { m.ID = id }
func (m *StockMovement) stamp(now time.Time) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
}

type MaintenanceTask struct {
	ID          string     `json:"id"`
	AssetID     string     `json:"asset_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	DueDate     string     `json:"due_date"` // YYYY-MM-DD
	AssignedTo  string     `json:"assigned_to,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t MaintenanceTask) PrimaryKey() string   { return t.ID }
func (t *MaintenanceTask) assignID(id string)  { t.ID = id }
func (t *MaintenanceTask) stamp(now time.Time) { t.UpdatedAt = now }

// Checkout lends an asset to a user. ReturnedAt is set when the asset comes back.
type Checkout struct {
	ID           string     `json:"id"`
	AssetID      string     `json:"asset_id"`
	UserID       string     `json:"user_id"`
	CheckedOutAt time.Time  `json:"checked_out_at"`
	DueBackAt    *time.Time `json:"due_back_at,omitempty"`
	ReturnedAt   *time.Time `json:"returned_at,omitempty"`
	Note         string     `json:"note,omitempty"`
}

func (c Checkout) PrimaryKey() string  { return c.ID }
func (c *Checkout) assignID(id string) { c.ID = id }
func (c *Checkout) stamp(now time.Time) {
	if c.CheckedOutAt.IsZero() {
		c.CheckedOutAt = now
	}
}

type CostCenter struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Manager   string    `json:"manager,omitempty"`
	Budget    float64   `json:"budget"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c CostCenter) PrimaryKey() string   { return c.ID }
func (c *CostCenter) assignID(id string)  { c.ID = id }
func (c *CostCenter) stamp(now time.Time) { c.UpdatedAt = now }

type StorageLocation struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Building    string    `json:"building,omitempty"`
	Room        string    `json:"room,omitempty"`
	ParentID    string    `json:"parent_id,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (l StorageLocation) PrimaryKey() string   { return l.ID }
func (l *StorageLocation) assignID(id string)  { l.ID = id }
func (l *StorageLocation) stamp(now time.Time) { l.UpdatedAt = now }

// AuditLog is written by AuditSubscriber for every committed write
type AuditLog struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor,omitempty"`
	Device    string          `json:"device,omitempty"`
	Action    string          `json:"action"`
	Kind      string          `json:"kind"`
	Table     string          `json:"table_name"`
	RecordID  string          `json:"record_id"`
	Confirmed bool            `json:"confirmed"`
	Queued    bool            `json:"queued"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (l AuditLog) PrimaryKey() string  { return l.ID }
func (l *AuditLog) assignID(id string) { l.ID = id }
func (l *AuditLog) stamp(now time.Time) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
}

type UserProfile struct {
	ID         string    `json:"id"`
	FullName   string    `json:"full_name"`
	Email      string    `json:"email"`
	Role       string    `json:"role,omitempty"`
	Department string    `json:"department,omitempty"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (u UserProfile) PrimaryKey() string   { return u.ID }
func (u *UserProfile) assignID(id string)  { u.ID = id }
func (u *UserProfile) stamp(now time.Time) { u.UpdatedAt = now }

// AssetTimeline is one entry in the history of an asset
type AssetTimeline struct {
	ID          string    `json:"id"`
	AssetID     string    `json:"asset_id"`
	Event       string    `json:"event"`
	Detail      string    `json:"detail,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	SourceTable string    `json:"source_table"`
	SourceID    string    `json:"source_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func (e AssetTimeline) PrimaryKey() string  { return e.ID }
func (e *AssetTimeline) assignID(id string) { e.ID = id }
func (e *AssetTimeline) stamp(now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
}
