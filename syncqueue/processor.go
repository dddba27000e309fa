// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package syncqueue replays queued writes against the remote backend once
// connectivity returns.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DELTA-RISE/sis-davus-sub000/connectivity"
	"github.com/DELTA-RISE/sis-davus-sub000/hooks"
	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
	"github.com/DELTA-RISE/sis-davus-sub000/metrics"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
)

// Connectivity reports whether the remote backend is believed reachable
type Connectivity interface {
	Online() bool
}

// Notifier delivers connectivity transitions
type Notifier interface {
	Subscribe(fn func(connectivity.Transition)) (cancel func())
}

// Config holds processor settings
type Config struct {
	// MaxAttempts parks an entry once it failed permanently this many times. Zero retries forever.
	MaxAttempts int
	// Timeout bounds each replayed call; remote.DefaultTimeout when zero
	Timeout time.Duration
	Events  hooks.Publisher
	Metrics metrics.Recorder
}

// DefaultConfig returns the processor defaults: unlimited retries and the default remote timeout
func DefaultConfig() *Config {
	return &Config{Timeout: remote.DefaultTimeout}
}

// Tally summarizes one drain pass
type Tally struct {
	Attempted int
	Succeeded int
	Failed    int
	Permanent int // failures classified as permanent, included in Failed
	Parked    int // entries parked during this pass, included in Failed
}

// Processor drains the sync queue in insertion order. At most one pass runs at a time.
type Processor struct {
	queue   localstore.Queue
	backend remote.Backend
	conn    Connectivity
	config  Config
	events  hooks.Publisher
	metrics metrics.Recorder
	logger  *slog.Logger

	mu sync.Mutex // serializes drain passes
	wg sync.WaitGroup
}

// NewProcessor creates a processor over queue and backend
func NewProcessor(queue localstore.Queue, backend remote.Backend, conn Connectivity, config *Config, logger *slog.Logger) *Processor {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := *config
	if cfg.Timeout <= 0 {
		cfg.Timeout = remote.DefaultTimeout
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	events := cfg.Events
	if events == nil {
		events = hooks.Discard{}
	}
	return &Processor{
		queue:   queue,
		backend: backend,
		conn:    conn,
		config:  cfg,
		events:  events,
		metrics: metrics.OrNop(cfg.Metrics),
		logger:  logger,
	}
}

// Drain replays every queued entry once, oldest first. Succeeded entries are removed,
// failed ones stay queued with their attempt count bumped. Offline it does nothing.
// The only error returned is a failure to read the queue.
func (p *Processor) Drain(ctx context.Context) (Tally, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var tally Tally
	if !p.conn.Online() {
		p.logger.Debug("Skipping drain while offline")
		return tally, nil
	}

	entries, err := p.queue.Queued(ctx)
	if err != nil {
		return tally, fmt.Errorf("failed to read sync queue: %w", err)
	}
	if len(entries) == 0 {
		return tally, nil
	}

	total := len(entries)
	p.logger.Info("Draining sync queue", "entries", total)
	p.events.Publish(hooks.Event{Type: hooks.SyncStarted, Total: total})

	for i, e := range entries {
		if ctx.Err() != nil {
			p.logger.Warn("Drain interrupted", "remaining", total-i, "error", ctx.Err())
			break
		}
		tally.Attempted++
		p.replayOne(ctx, e, &tally)
		p.events.Publish(hooks.Event{Type: hooks.SyncProgress, Table: e.Table, Done: i + 1, Total: total})
	}

	if n, err := p.queue.Len(ctx); err == nil {
		p.metrics.SetQueueDepth(n)
	}
	p.events.Publish(hooks.Event{
		Type:      hooks.SyncFinished,
		Total:     tally.Attempted,
		Succeeded: tally.Succeeded,
		Failed:    tally.Failed,
	})
	p.logger.Info("Drain finished", "attempted", tally.Attempted, "succeeded", tally.Succeeded,
		"failed", tally.Failed, "parked", tally.Parked)
	return tally, nil
}

func (p *Processor) replayOne(ctx context.Context, e localstore.Entry, tally *Tally) {
	if err := p.queue.SetStatus(ctx, e.Seq, localstore.StatusSyncing); err != nil {
		p.logger.Warn("Failed to mark entry syncing", "seq", e.Seq, "error", err)
	}

	err := p.replay(ctx, e)
	if err == nil {
		if err := p.queue.Remove(ctx, e.Seq); err != nil {
			p.logger.Warn("Failed to remove replayed entry", "seq", e.Seq, "error", err)
		}
		tally.Succeeded++
		p.metrics.ObserveQueue(metrics.QueueSucceeded)
		p.logger.Debug("Replayed entry", "seq", e.Seq, "table", e.Table, "action", e.Action)
		return
	}

	tally.Failed++
	permanent := remote.IsPermanent(err)
	if permanent {
		tally.Permanent++
	}
	status := localstore.StatusFailed
	if permanent && p.config.MaxAttempts > 0 && e.Attempts+1 >= p.config.MaxAttempts {
		status = localstore.StatusParked
	}

	if _, merr := p.queue.MarkFailed(ctx, e.Seq, status, err.Error()); merr != nil {
		p.logger.Warn("Failed to record replay failure", "seq", e.Seq, "error", merr)
		status = localstore.StatusFailed
	}
	if status == localstore.StatusParked {
		tally.Parked++
		p.metrics.ObserveQueue(metrics.QueueParked)
		p.logger.Error("Parked entry after permanent failures", "seq", e.Seq, "table", e.Table,
			"attempts", e.Attempts+1, "error", err)
		return
	}
	p.metrics.ObserveQueue(metrics.QueueFailed)
	p.logger.Warn("Replay failed, entry stays queued", "seq", e.Seq, "table", e.Table,
		"permanent", permanent, "error", err)
}

func (p *Processor) replay(ctx context.Context, e localstore.Entry) error {
	var call func(context.Context) (struct{}, error)
	switch e.Action {
	case localstore.ActionUpsert:
		call = func(c context.Context) (struct{}, error) {
			_, err := p.backend.Upsert(c, e.Table, e.Payload)
			return struct{}{}, err
		}
	case localstore.ActionDelete:
		var match map[string]any
		if err := json.Unmarshal(e.Payload, &match); err != nil {
			return fmt.Errorf("failed to decode delete match: %w", err)
		}
		call = func(c context.Context) (struct{}, error) {
			return struct{}{}, p.backend.Delete(c, e.Table, match)
		}
	default:
		return fmt.Errorf("unknown queue action %q", e.Action)
	}

	start := time.Now()
	_, err := remote.WithTimeout(ctx, p.config.Timeout, call)
	outcome := metrics.OutcomeOK
	switch {
	case errors.Is(err, remote.ErrTimedOut):
		outcome = metrics.OutcomeTimeout
	case err != nil:
		outcome = metrics.OutcomeError
	}
	p.metrics.ObserveRemoteCall("replay_"+e.Action, outcome, time.Since(start))
	return err
}

// Attach starts one background drain for every transition to online. The returned
// function stops listening; drains already started keep running.
func (p *Processor) Attach(ctx context.Context, n Notifier) (detach func()) {
	return n.Subscribe(func(t connectivity.Transition) {
		if t != connectivity.BecameOnline {
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if _, err := p.Drain(ctx); err != nil {
				p.logger.Error("Background drain failed", "error", err)
			}
		}()
	})
}

// Wait blocks until background drains started by Attach have finished
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Requeue moves a parked or failed entry back to pending so the next pass picks it up
func (p *Processor) Requeue(ctx context.Context, seq int64) error {
	entries, err := p.queue.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync queue: %w", err)
	}
	for _, e := range entries {
		if e.Seq != seq {
			continue
		}
		if err := p.queue.SetStatus(ctx, seq, localstore.StatusPending); err != nil {
			return fmt.Errorf("failed to requeue entry %d: %w", seq, err)
		}
		p.logger.Info("Requeued entry", "seq", seq, "table", e.Table, "previous_status", e.Status)
		return nil
	}
	return fmt.Errorf("failed to requeue entry %d: %w", seq, localstore.ErrEntryNotFound)
}
