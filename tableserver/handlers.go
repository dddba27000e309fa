// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tableserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DELTA-RISE/sis-davus-sub000/internal/auth"
	"github.com/DELTA-RISE/sis-davus-sub000/metrics"
	"github.com/DELTA-RISE/sis-davus-sub000/remote"
)

// DefaultMaxBodyBytes caps the size of an upserted row
const DefaultMaxBodyBytes = 1 << 20

// Handlers serves the table API
type Handlers struct {
	tables       TableStore
	logger       *slog.Logger
	MaxBodyBytes int64
}

// NewHandlers creates table API handlers over tables
func NewHandlers(tables TableStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{tables: tables, logger: logger, MaxBodyBytes: DefaultMaxBodyBytes}
}

// NewRouter mounts the table API behind jwtAuth together with health and metrics endpoints.
// gatherer may be nil to leave out /metrics.
func NewRouter(h *Handlers, jwtAuth *JWTAuth, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/tables/{table}", func(r chi.Router) {
		r.Use(countRequests)
		r.Use(jwtAuth.Middleware)
		r.Get("/", h.HandleSelect)
		r.Post("/", h.HandleUpsert)
		r.Delete("/", h.HandleDelete)
		r.Get("/{id}", h.HandleGet)
	})
	return r
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.Method + " /tables/{table}"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = r.Method + " " + strings.TrimSuffix(p, "/")
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.ServerRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// HandleHealth reports liveness
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) table(w http.ResponseWriter, r *http.Request) (string, bool) {
	table := strings.ToLower(chi.URLParam(r, "table"))
	if !isValidIdentifier(table) {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "invalid table name")
		return "", false
	}
	if !h.tables.IsTableRegistered(table) {
		writeError(w, h.logger, http.StatusNotFound, "unregistered_table", "table not registered: "+table)
		return "", false
	}
	return table, true
}

// HandleSelect lists a table: GET /tables/{table}?order=field&asc=true
func (h *Handlers) HandleSelect(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	field := r.URL.Query().Get("order")
	ascending := true
	if s := r.URL.Query().Get("asc"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "asc must be a boolean")
			return
		}
		ascending = v
	}

	rows, err := h.tables.Select(r.Context(), table, field, ascending)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	writeData(w, h.logger, http.StatusOK, rows)
}

// HandleGet returns one row: GET /tables/{table}/{id}
func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	row, err := h.tables.Get(r.Context(), table, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, h.logger, http.StatusOK, row)
}

// HandleUpsert stores the posted row: POST /tables/{table}
func (h *Handlers) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, h.logger, http.StatusRequestEntityTooLarge, "bad_payload", "row too large")
			return
		}
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if !json.Valid(body) {
		writeError(w, h.logger, http.StatusBadRequest, "bad_payload", "row must be valid JSON")
		return
	}

	stored, err := h.tables.Upsert(r.Context(), table, body)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	id := auth.From(r.Context())
	h.logger.Debug("Row upserted", "table", table, "actor", id.Actor, "device", id.Device)
	writeData(w, h.logger, http.StatusOK, stored)
}

// HandleDelete removes rows matching every query parameter: DELETE /tables/{table}?id=...
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	if len(query) == 0 {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "delete requires at least one match parameter")
		return
	}
	match := make(map[string]any, len(query))
	for field, values := range query {
		if len(values) != 1 {
			writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "match parameter repeated: "+field)
			return
		}
		match[field] = values[0]
	}

	deleted, err := h.tables.Delete(r.Context(), table, match)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeData(w, h.logger, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBadPayload):
		writeError(w, h.logger, http.StatusBadRequest, "bad_payload", err.Error())
	case errors.Is(err, ErrUnregisteredTable):
		writeError(w, h.logger, http.StatusNotFound, "unregistered_table", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, h.logger, http.StatusNotFound, "not_found", err.Error())
	default:
		h.logger.Error("Table request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeData(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("Failed to encode response", "error", err)
		writeError(w, logger, http.StatusInternalServerError, "internal_error", "failed to encode response")
		return
	}
	writeEnvelope(w, logger, status, remote.Envelope{Data: data})
}

// writeError writes a standardized error envelope
func writeError(w http.ResponseWriter, logger *slog.Logger, status int, code, message string) {
	writeEnvelope(w, logger, status, remote.Envelope{Error: &remote.Error{Code: code, Message: message}})
	logger.Debug("HTTP error response", "status_code", status, "error_code", code, "message", message)
}

func writeEnvelope(w http.ResponseWriter, logger *slog.Logger, status int, env remote.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Error("Failed to write response", "error", err)
	}
}
