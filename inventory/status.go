// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DELTA-RISE/sis-davus-sub000/hooks"
	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
)

// SyncSummary describes the last finished drain pass
type SyncSummary struct {
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	FinishedAt time.Time `json:"finished_at"`
}

// Status is a point-in-time view of the sync state for UI collaborators
type Status struct {
	Online       bool               `json:"online"`
	QueueLength  int                `json:"queue_length"`
	Entries      []localstore.Entry `json:"entries"`
	Syncing      bool               `json:"syncing"`
	Done         int                `json:"done"`
	Total        int                `json:"total"`
	LastSync     *SyncSummary       `json:"last_sync,omitempty"`
	OfflineSaves int                `json:"offline_saves"`
}

type onlineReporter interface {
	Online() bool
}

// StatusBoard tracks sync progress from hook events and reads the queue on demand.
// Offline saves count user writes only; derived audit and timeline rows are skipped.
type StatusBoard struct {
	queue localstore.Queue
	conn  onlineReporter

	mu           sync.Mutex
	syncing      bool
	done, total  int
	last         *SyncSummary
	offlineSaves int
}

// NewStatusBoard creates a board over queue. conn may be nil.
func NewStatusBoard(queue localstore.Queue, conn onlineReporter) *StatusBoard {
	return &StatusBoard{queue: queue, conn: conn}
}

func (b *StatusBoard) Handle(_ context.Context, ev hooks.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ev.Type {
	case hooks.SavedOffline:
		if !derivedTable(ev.Table) {
			b.offlineSaves++
		}
	case hooks.SyncStarted:
		b.syncing = true
		b.done, b.total = 0, ev.Total
	case hooks.SyncProgress:
		b.done, b.total = ev.Done, ev.Total
	case hooks.SyncFinished:
		b.syncing = false
		b.last = &SyncSummary{
			Attempted:  ev.Total,
			Succeeded:  ev.Succeeded,
			Failed:     ev.Failed,
			FinishedAt: ev.At,
		}
	}
}

// Snapshot returns the current status including every queue entry
func (b *StatusBoard) Snapshot(ctx context.Context) (Status, error) {
	entries, err := b.queue.List(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list sync queue: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	st := Status{
		QueueLength:  len(entries),
		Entries:      entries,
		Syncing:      b.syncing,
		Done:         b.done,
		Total:        b.total,
		OfflineSaves: b.offlineSaves,
	}
	if b.conn != nil {
		st.Online = b.conn.Online()
	}
	if b.last != nil {
		last := *b.last
		st.LastSync = &last
	}
	return st, nil
}
