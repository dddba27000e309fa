// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package hooks carries post-commit and sync progress events from the sync layer
// to side-effect subscribers (audit writers, notification UIs). Delivery is
// fire-and-forget: publishers never wait for subscribers.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// EventType identifies the kind of event
type EventType string

const (
	// Committed follows every local write or delete, confirmed or not
	Committed EventType = "committed"
	// SavedOffline follows a write or delete that was queued instead of confirmed
	SavedOffline EventType = "saved_offline"
	// SyncStarted is published when a drain pass finds queued entries
	SyncStarted EventType = "sync_started"
	// SyncProgress is published after each replayed entry
	SyncProgress EventType = "sync_progress"
	// SyncFinished is published at the end of a non-empty drain pass
	SyncFinished EventType = "sync_finished"
)

// Write operations
const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Event is the payload delivered to subscribers. Fields irrelevant to the event type are zero.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	// Write events
	Kind      string          `json:"kind,omitempty"`
	Table     string          `json:"table,omitempty"`
	Op        string          `json:"op,omitempty"`
	ID        string          `json:"id,omitempty"`
	Row       json.RawMessage `json:"row,omitempty"`
	Confirmed bool            `json:"confirmed,omitempty"`
	Queued    bool            `json:"queued,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Device    string          `json:"device,omitempty"`

	// Sync events
	Done      int `json:"done,omitempty"`
	Total     int `json:"total,omitempty"`
	Succeeded int `json:"succeeded,omitempty"`
	Failed    int `json:"failed,omitempty"`
}

// Subscriber consumes events. Handle runs on the bus dispatcher goroutine.
type Subscriber interface {
	Handle(ctx context.Context, ev Event)
}

// SubscriberFunc adapts a function to Subscriber
type SubscriberFunc func(ctx context.Context, ev Event)

func (f SubscriberFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

// Publisher is the side of the bus used by the sync layer
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event
type Discard struct{}

func (Discard) Publish(Event) {}

// DefaultBuffer is the number of events that can wait for delivery before new ones are dropped
const DefaultBuffer = 256

// Bus delivers events to subscribers in publish order on a single goroutine
type Bus struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   []Subscriber
	closed bool

	events chan Event
	done   chan struct{}
}

// NewBus starts a bus with the given buffer size (DefaultBuffer when <= 0)
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Subscribe adds a subscriber for all future events
func (b *Bus) Subscribe(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, s)
}

// Publish enqueues ev for delivery. It never blocks: with a full buffer or a closed bus the event is dropped.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Debug("Dropping event published after close", "type", ev.Type)
		return
	}
	select {
	case b.events <- ev:
	default:
		b.logger.Warn("Event buffer full, dropping event", "type", ev.Type, "table", ev.Table, "id", ev.ID)
	}
}

// Close stops accepting events and waits until every buffered event was delivered.
// Subscribers with a Close method (such as Worker) are closed afterwards, in
// subscription order.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	close(b.events)
	b.mu.Unlock()
	<-b.done

	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs...)
	b.mu.RUnlock()
	for _, s := range subs {
		if c, ok := s.(interface{ Close() }); ok {
			c.Close()
		}
	}
	b.cancel()
}

func (b *Bus) run() {
	defer close(b.done)
	for ev := range b.events {
		b.mu.RLock()
		subs := append([]Subscriber(nil), b.subs...)
		b.mu.RUnlock()
		for _, s := range subs {
			b.deliver(s, ev)
		}
	}
}

func (b *Bus) deliver(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event subscriber panicked", "type", ev.Type, "panic", r)
		}
	}()
	s.Handle(b.ctx, ev)
}
