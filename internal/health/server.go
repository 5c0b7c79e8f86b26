// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/olegiv/xray-audit/internal/checkpoint"
	"github.com/olegiv/xray-audit/internal/middleware"
)

const requestTimeout = 5 * time.Second

// Pinger reports whether the durable store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the status surface.
type Handler struct {
	reporter    *Reporter
	db          Pinger
	cache       Pinger
	checkpoints checkpoint.Store
}

// NewHandler creates a status handler. db and checkpoints may be nil.
func NewHandler(r *Reporter, db Pinger, checkpoints checkpoint.Store) *Handler {
	return &Handler{reporter: r, db: db, checkpoints: checkpoints}
}

// WithCache adds a cache reachability check to /healthz. A failed check
// does not mark the collector unhealthy.
func (h *Handler) WithCache(p Pinger) *Handler {
	h.cache = p
	return h
}

// CheckpointStatus is one stored checkpoint.
type CheckpointStatus struct {
	FilePath     string    `json:"file_path"`
	FileIdentity string    `json:"file_identity"`
	LastOffset   int64     `json:"last_offset"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Status
	Checkpoints []CheckpointStatus `json:"checkpoints"`
}

// Routes returns the router for the status endpoints.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.GetHead)
	r.Use(middleware.StatusHeaders)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/status", h.Status)
	r.Get("/healthz", h.Healthz)
	return r
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: h.reporter.Snapshot(), Checkpoints: []CheckpointStatus{}}
	if h.checkpoints != nil {
		cps, err := h.checkpoints.List(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": err.Error()})
			return
		}
		for _, cp := range cps {
			resp.Checkpoints = append(resp.Checkpoints, CheckpointStatus{
				FilePath:     cp.FilePath,
				FileIdentity: cp.Identity.String(),
				LastOffset:   cp.Offset,
				UpdatedAt:    cp.UpdatedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Healthz handles GET /healthz. The collector is healthy when the store
// answers and no source has failed.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "healthy"}
	healthy := true

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			checks["store"] = "unhealthy: " + err.Error()
			healthy = false
		}
	}
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks["cache"] = "healthy"
		if err := h.cache.Ping(ctx); err != nil {
			checks["cache"] = "unavailable: " + err.Error()
		}
	}
	for _, s := range h.reporter.Snapshot().Sources {
		checks[s.Name] = s.State
		if s.State == StateFailed {
			healthy = false
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// Serve runs an HTTP server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
