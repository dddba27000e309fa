// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"log/slog"
	"sync"
)

// Worker hands events to a subscriber on its own goroutine, so a slow subscriber
// (one that makes remote calls) never stalls the bus dispatcher. Events are kept
// in order and never dropped. The bus closes a Worker when it closes.
type Worker struct {
	sub    Subscriber
	logger *slog.Logger

	mu      sync.Mutex
	pending []queued
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

type queued struct {
	ctx context.Context
	ev  Event
}

// NewWorker starts a worker that delivers to s
func NewWorker(s Subscriber, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		sub:    s,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Handle appends ev to the worker's queue and returns immediately
func (w *Worker) Handle(ctx context.Context, ev Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Debug("Dropping event handed to closed worker", "type", ev.Type)
		return
	}
	w.pending = append(w.pending, queued{ctx: context.WithoutCancel(ctx), ev: ev})
	select {
	case w.wake <- struct{}{}:
	default:
	}
	w.mu.Unlock()
}

// Close stops accepting events and waits until the queued ones were delivered
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.wake)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.pending
		w.pending = nil
		closed := w.closed
		w.mu.Unlock()

		for _, q := range batch {
			w.deliver(q)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *Worker) deliver(q queued) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Event subscriber panicked", "type", q.ev.Type, "panic", r)
		}
	}()
	w.sub.Handle(q.ctx, q.ev)
}
