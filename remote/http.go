// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Envelope is the wire shape of every table API response: exactly one of Data or Error is set
type Envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// HTTPBackend talks to a table API server over HTTP
type HTTPBackend struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns a bearer token; nil sends no Authorization header
	HTTP    *http.Client
}

// NewHTTPBackend creates an HTTP backend rooted at baseURL
func NewHTTPBackend(baseURL string, token func(context.Context) (string, error)) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// Deadlines come from WithTimeout; the client itself is unbounded.
		HTTP: &http.Client{},
	}
}

func (b *HTTPBackend) tableURL(table string, parts ...string) string {
	u := b.BaseURL + "/tables/" + url.PathEscape(table)
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Select fetches all rows of a table in the requested order
func (b *HTTPBackend) Select(ctx context.Context, table string, order Order) ([]json.RawMessage, error) {
	q := url.Values{}
	if order.Field != "" {
		q.Set("order", order.Field)
		q.Set("asc", strconv.FormatBool(order.Ascending))
	}
	u := b.tableURL(table)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	data, err := b.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var rows []json.RawMessage
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &rows); err != nil {
			return nil, fmt.Errorf("failed to decode %s rows: %w", table, err)
		}
	}
	return rows, nil
}

// SelectByID fetches a single row
func (b *HTTPBackend) SelectByID(ctx context.Context, table, id string) (json.RawMessage, error) {
	data, err := b.do(ctx, http.MethodGet, b.tableURL(table, id), nil)
	if err != nil {
		var remoteErr *Error
		if errors.As(err, &remoteErr) && remoteErr.Status == http.StatusNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Upsert stores a row and returns the server's copy
func (b *HTTPBackend) Upsert(ctx context.Context, table string, row json.RawMessage) (json.RawMessage, error) {
	return b.do(ctx, http.MethodPost, b.tableURL(table), row)
}

// Delete removes rows matching every field of match
func (b *HTTPBackend) Delete(ctx context.Context, table string, match map[string]any) error {
	if len(match) == 0 {
		return fmt.Errorf("refusing to delete from %s without a match", table)
	}
	q := url.Values{}
	for k, v := range match {
		q.Set(k, fmt.Sprint(v))
	}
	_, err := b.do(ctx, http.MethodDelete, b.tableURL(table)+"?"+q.Encode(), nil)
	return err
}

func (b *HTTPBackend) do(ctx context.Context, method, u string, body []byte) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if b.Token != nil {
		token, err := b.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var env Envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remoteErr := &Error{Status: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(raw))}
		if env.Error != nil {
			remoteErr.Code = env.Error.Code
			remoteErr.Message = env.Error.Message
		}
		return nil, remoteErr
	}
	if env.Error != nil {
		env.Error.Status = resp.StatusCode
		return nil, env.Error
	}
	return env.Data, nil
}
