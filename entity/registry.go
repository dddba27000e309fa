// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"fmt"
	"sort"
	"sync"

	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
)

// Kind tags an entity type, e.g. "product"
type Kind string

// Spec describes how an entity kind is stored and listed
type Spec struct {
	Kind       Kind
	Table      string // local and remote table name
	OrderField string // default listing order
	Ascending  bool
}

// Registry maps entity kinds to their table specs. It is filled at startup and read afterwards.
type Registry struct {
	mu      sync.RWMutex
	byKind  map[Kind]Spec
	byTable map[string]Spec
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byKind:  make(map[Kind]Spec),
		byTable: make(map[string]Spec),
	}
}

// Add registers spec. Kinds and tables must be unique and tables must be valid identifiers.
func (r *Registry) Add(spec Spec) error {
	if spec.Kind == "" {
		return fmt.Errorf("entity kind must not be empty")
	}
	if !localstore.ValidTableName(spec.Table) {
		return fmt.Errorf("invalid table name %q for kind %s", spec.Table, spec.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byKind[spec.Kind]; dup {
		return fmt.Errorf("kind %s already registered", spec.Kind)
	}
	if other, dup := r.byTable[spec.Table]; dup {
		return fmt.Errorf("table %s already registered for kind %s", spec.Table, other.Kind)
	}
	r.byKind[spec.Kind] = spec
	r.byTable[spec.Table] = spec
	return nil
}

// Lookup returns the spec of a kind
func (r *Registry) Lookup(kind Kind) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byKind[kind]
	return spec, ok
}

// ByTable returns the spec owning a table name
func (r *Registry) ByTable(table string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.byTable[table]
	return spec, ok
}

// Specs returns every registered spec sorted by kind
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.byKind))
	for _, s := range r.byKind {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
