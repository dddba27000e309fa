// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package remote defines the table-oriented remote backend the sync layer talks
// to, a deadline wrapper for calls against it, and two implementations: an
// HTTP client and an in-process backend.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned by SelectByID when no row has the requested id
	ErrNotFound = errors.New("row not found")
	// ErrUnavailable is returned when the backend cannot be reached at all
	ErrUnavailable = errors.New("remote backend unavailable")
)

// Order describes the ordering of a Select
type Order struct {
	Field     string
	Ascending bool
}

// Backend is the table-oriented API of the remote store. Rows are JSON objects
// carrying at least an "id" member.
type Backend interface {
	// Select returns every row of table ordered by order.Field
	Select(ctx context.Context, table string, order Order) ([]json.RawMessage, error)
	// SelectByID returns one row or ErrNotFound
	SelectByID(ctx context.Context, table, id string) (json.RawMessage, error)
	// Upsert inserts or replaces a row and returns the stored row
	Upsert(ctx context.Context, table string, row json.RawMessage) (json.RawMessage, error)
	// Delete removes every row whose fields equal match. Matching nothing is not an error.
	Delete(ctx context.Context, table string, match map[string]any) error
}

// Error is a non-success response reported by the backend
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

// IsPermanent reports whether err is a rejection that replaying the same request
// cannot fix (validation errors, unknown tables). Timeouts, network failures and
// server errors are transient, and so are authentication rejections: a refreshed
// token makes the same request succeed.
func IsPermanent(err error) bool {
	var remoteErr *Error
	if !errors.As(err, &remoteErr) {
		return false
	}
	switch remoteErr.Status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return remoteErr.Status >= 400 && remoteErr.Status < 500
}
