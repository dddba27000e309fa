// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package entity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DELTA-RISE/sis-davus-sub000/localstore"
)

// ErrMissingPrimaryKey is returned by Table.Upsert for records with an empty primary key
var ErrMissingPrimaryKey = errors.New("record has no primary key")

// Record is a JSON-encodable entity with a string primary key stored in its "id" member
type Record interface {
	PrimaryKey() string
}

// TypedResult is the typed outcome of a write
type TypedResult[T any] struct {
	Value     T
	Confirmed bool
	Queued    bool
}

// Table is a typed handle for one registered kind
type Table[T Record] struct {
	layer *Layer
	spec  Spec
}

// Register adds spec to the layer's registry, prepares the local table and returns a typed handle
func Register[T Record](ctx context.Context, l *Layer, spec Spec) (*Table[T], error) {
	if err := l.registry.Add(spec); err != nil {
		return nil, err
	}
	if err := l.store.EnsureTable(ctx, spec.Table); err != nil {
		return nil, fmt.Errorf("failed to create local table %s: %w", spec.Table, err)
	}
	return &Table[T]{layer: l, spec: spec}, nil
}

// Spec returns the table description
func (t *Table[T]) Spec() Spec {
	return t.spec
}

// All lists the table in its default order
func (t *Table[T]) All(ctx context.Context) []T {
	return t.AllOrdered(ctx, t.spec.OrderField, t.spec.Ascending)
}

// AllOrdered lists the table network-first in the given order
func (t *Table[T]) AllOrdered(ctx context.Context, field string, ascending bool) []T {
	return t.decodeAll(t.layer.GetAll(ctx, t.spec.Kind, field, ascending))
}

// Local lists the local mirror in the default order without contacting the remote backend
func (t *Table[T]) Local(ctx context.Context) []T {
	return t.decodeAll(t.layer.GetLocal(ctx, t.spec.Kind, t.spec.OrderField, t.spec.Ascending))
}

// ByID fetches one record from the remote backend
func (t *Table[T]) ByID(ctx context.Context, id string) (T, bool) {
	var zero T
	row, ok := t.layer.GetByID(ctx, t.spec.Kind, id)
	if !ok {
		return zero, false
	}
	v, err := decode[T](row.Data)
	if err != nil {
		t.layer.logger.Warn("Failed to decode remote row", "table", t.spec.Table, "id", id, "error", err)
		return zero, false
	}
	return v, true
}

// Upsert stores v locally and tries to confirm it remotely. Only an empty primary key
// or an encoding failure is returned as an error.
func (t *Table[T]) Upsert(ctx context.Context, v T) (TypedResult[T], error) {
	id := v.PrimaryKey()
	if id == "" {
		return TypedResult[T]{}, fmt.Errorf("failed to upsert into %s: %w", t.spec.Table, ErrMissingPrimaryKey)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return TypedResult[T]{}, fmt.Errorf("failed to encode %s record: %w", t.spec.Kind, err)
	}

	res := t.layer.Upsert(ctx, t.spec.Kind, localstore.Row{ID: id, Data: data})
	out := TypedResult[T]{Value: v, Confirmed: res.Confirmed, Queued: res.Queued}
	if res.Confirmed {
		stored, err := decode[T](res.Row.Data)
		if err != nil {
			t.layer.logger.Warn("Failed to decode confirmed row, returning submitted value", "table", t.spec.Table, "id", id, "error", err)
		} else {
			out.Value = stored
		}
	}
	return out, nil
}

// Remove deletes a record by id
func (t *Table[T]) Remove(ctx context.Context, id string) bool {
	return t.layer.Remove(ctx, t.spec.Kind, id)
}

func (t *Table[T]) decodeAll(rows []localstore.Row) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, err := decode[T](row.Data)
		if err != nil {
			t.layer.logger.Warn("Skipping undecodable row", "table", t.spec.Table, "id", row.ID, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
