// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/DELTA-RISE/sis-davus-sub000/hooks"
	"github.com/DELTA-RISE/sis-davus-sub000/internal/auth"
)

// AuditSubscriber writes an AuditLog row for every committed write. Writes to the
// audit and timeline tables are not audited.
type AuditSubscriber struct {
	logs   *Repo[AuditLog]
	logger *slog.Logger
}

// NewAuditSubscriber creates an audit writer over the catalog's audit log repository
func NewAuditSubscriber(c *Catalog, logger *slog.Logger) *AuditSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditSubscriber{logs: c.AuditLogs, logger: logger}
}

func (s *AuditSubscriber) Handle(ctx context.Context, ev hooks.Event) {
	if ev.Type != hooks.Committed || derivedTable(ev.Table) {
		return
	}
	entry := AuditLog{
		ID:        uuid.NewString(),
		Actor:     ev.Actor,
		Device:    ev.Device,
		Action:    ev.Op,
		Kind:      ev.Kind,
		Table:     ev.Table,
		RecordID:  ev.ID,
		Confirmed: ev.Confirmed,
		Queued:    ev.Queued,
		CreatedAt: ev.At,
	}
	if ev.Op == hooks.OpUpsert {
		entry.Data = ev.Row
	}
	ctx = auth.With(ctx, auth.Identity{Actor: ev.Actor, Device: ev.Device})
	if _, err := s.logs.table.Upsert(ctx, entry); err != nil {
		s.logger.Warn("Failed to write audit log", "table", ev.Table, "id", ev.ID, "error", err)
	}
}

// TimelineSubscriber appends AssetTimeline entries for writes to assets, checkouts
// and maintenance tasks.
type TimelineSubscriber struct {
	timelines *Repo[AssetTimeline]
	logger    *slog.Logger
}

// NewTimelineSubscriber creates a timeline writer over the catalog's timeline repository
func NewTimelineSubscriber(c *Catalog, logger *slog.Logger) *TimelineSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimelineSubscriber{timelines: c.AssetTimelines, logger: logger}
}

func (s *TimelineSubscriber) Handle(ctx context.Context, ev hooks.Event) {
	if ev.Type != hooks.Committed {
		return
	}
	entry, ok, err := timelineEntry(ev)
	if err != nil {
		s.logger.Warn("Cannot derive timeline entry", "table", ev.Table, "id", ev.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	entry.ID = uuid.NewString()
	entry.Actor = ev.Actor
	entry.SourceTable = ev.Table
	entry.SourceID = ev.ID
	entry.CreatedAt = ev.At

	ctx = auth.With(ctx, auth.Identity{Actor: ev.Actor, Device: ev.Device})
	if _, err := s.timelines.table.Upsert(ctx, entry); err != nil {
		s.logger.Warn("Failed to write timeline entry", "asset_id", entry.AssetID, "error", err)
	}
}

func timelineEntry(ev hooks.Event) (AssetTimeline, bool, error) {
	switch ev.Table {
	case TableAssets:
		if ev.Op == hooks.OpDelete {
			return AssetTimeline{AssetID: ev.ID, Event: "asset_deleted"}, true, nil
		}
		var a Asset
		if err := json.Unmarshal(ev.Row, &a); err != nil {
			return AssetTimeline{}, false, fmt.Errorf("failed to decode asset: %w", err)
		}
		return AssetTimeline{AssetID: ev.ID, Event: "asset_saved", Detail: a.Status}, true, nil

	case TableCheckouts:
		if ev.Op == hooks.OpDelete {
			return AssetTimeline{}, false, nil
		}
		var c Checkout
		if err := json.Unmarshal(ev.Row, &c); err != nil {
			return AssetTimeline{}, false, fmt.Errorf("failed to decode checkout: %w", err)
		}
		if c.AssetID == "" {
			return AssetTimeline{}, false, nil
		}
		if c.ReturnedAt != nil {
			return AssetTimeline{AssetID: c.AssetID, Event: "returned", Detail: c.UserID}, true, nil
		}
		return AssetTimeline{AssetID: c.AssetID, Event: "checked_out", Detail: c.UserID}, true, nil

	case TableMaintenanceTasks:
		if ev.Op == hooks.OpDelete {
			return AssetTimeline{}, false, nil
		}
		var t MaintenanceTask
		if err := json.Unmarshal(ev.Row, &t); err != nil {
			return AssetTimeline{}, false, fmt.Errorf("failed to decode maintenance task: %w", err)
		}
		if t.AssetID == "" {
			return AssetTimeline{}, false, nil
		}
		return AssetTimeline{AssetID: t.AssetID, Event: "maintenance_" + t.Status, Detail: t.Title}, true, nil
	}
	return AssetTimeline{}, false, nil
}

func derivedTable(table string) bool {
	return table == TableAuditLogs || table == TableAssetTimelines
}
