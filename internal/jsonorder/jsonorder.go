// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package jsonorder orders JSON documents by the value of one top-level field.
package jsonorder

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Field extracts a top-level field of a JSON object. Missing fields, invalid
// documents and JSON null all yield nil.
func Field(doc json.RawMessage, name string) any {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil
	}
	raw, ok := m[name]
	if !ok {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// rank follows PostgreSQL's jsonb ordering across types so offline listings
// match what the table server returns for mixed-type fields
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case string:
		return 1
	case json.Number:
		return 2
	case bool:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

// Compare orders two decoded values: nil < string < number < bool < array < object.
// Values of the same kind compare naturally; composite values compare by their
// JSON encoding.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case json.Number:
		af, _ := av.Float64()
		bf, _ := b.(json.Number).Float64()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(av, b.(string))
	default:
		ab, _ := json.Marshal(a)
		bb, _ := json.Marshal(b)
		return bytes.Compare(ab, bb)
	}
}

// Sort stably sorts docs by field. key extracts the JSON document from an element.
// Descending order reverses the comparison, not the tie order.
func Sort[E any](items []E, key func(E) json.RawMessage, field string, ascending bool) {
	if field == "" {
		return
	}
	vals := make([]any, len(items))
	for i := range items {
		vals[i] = Field(key(items[i]), field)
	}
	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		c := Compare(vals[idx[i]], vals[idx[j]])
		if ascending {
			return c < 0
		}
		return c > 0
	})
	sorted := make([]E, len(items))
	for i, k := range idx {
		sorted[i] = items[k]
	}
	copy(items, sorted)
}
