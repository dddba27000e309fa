// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package connectivity tracks whether the device can reach the remote backend.
// State changes are pushed in by the host platform; subscribers are notified
// only on edges, never per call.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
)

// Transition is an edge in the online/offline state
type Transition int

const (
	BecameOffline Transition = iota
	BecameOnline
)

func (t Transition) String() string {
	if t == BecameOnline {
		return "became-online"
	}
	return "became-offline"
}

// Oracle reports the current connectivity state and fans out transitions
type Oracle struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(Transition)
	nextID int
	logger *slog.Logger
}

// New creates an oracle with the given initial state. No transition is emitted for it.
func New(online bool) *Oracle {
	return &Oracle{
		online: online,
		subs:   make(map[int]func(Transition)),
		logger: slog.Default(),
	}
}

// WithLogger sets the logger used for transition logs
func (o *Oracle) WithLogger(logger *slog.Logger) *Oracle {
	if logger != nil {
		o.logger = logger
	}
	return o
}

// Online reports whether the device is currently online
func (o *Oracle) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// Set records a platform notification. Repeating the current state is a no-op.
func (o *Oracle) Set(online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	tr := BecameOffline
	if online {
		tr = BecameOnline
	}
	subs := make([]func(Transition), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	o.logger.Info("Connectivity changed", "transition", tr.String())
	for _, fn := range subs {
		fn(tr)
	}
}

// Subscribe registers fn for every future transition. The returned func unsubscribes.
// fn runs on the goroutine that called Set and must not block.
func (o *Oracle) Subscribe(fn func(Transition)) (cancel func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Run applies platform notifications from updates until ctx is done or updates is closed
func (o *Oracle) Run(ctx context.Context, updates <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-updates:
			if !ok {
				return
			}
			o.Set(online)
		}
	}
}
