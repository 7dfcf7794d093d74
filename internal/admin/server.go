// Package admin exposes the daemon's management surface over HTTP: batch
// submission and lifecycle control, health, and Prometheus metrics.
//
// The API is a thin pass-through to the batch orchestrator; all state
// transitions and validation live there. Handlers translate orchestrator
// errors to status codes: unknown batches map to 404, illegal transitions
// to 409, bad payloads to 400.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/offsvc/wimforge/internal/logger"
	"github.com/offsvc/wimforge/pkg/batch"
	"github.com/offsvc/wimforge/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config tunes the admin server.
type Config struct {
	// Listen is the bind address (e.g. ":8975").
	Listen string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// Server is the admin HTTP server.
type Server struct {
	orch *batch.Orchestrator
	cfg  Config
	http *http.Server
}

// NewServer builds the admin server and its routes.
func NewServer(orch *batch.Orchestrator, cfg Config) *Server {
	s := &Server{orch: orch, cfg: cfg}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metricsHandler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/batches", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/batches", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}", s.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/batches/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/batches/{id}/start", s.action(s.orch.Start)).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}/pause", s.action(s.orch.Pause)).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}/resume", s.action(s.orch.Resume)).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}/cancel", s.action(s.orch.Cancel)).Methods(http.MethodPost)
	api.HandleFunc("/batches/{id}/retry", s.action(s.orch.RetryFailed)).Methods(http.MethodPost)

	s.http = &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// metricsHandler serves the global registry, or an empty default when
// metrics were never initialized.
func metricsHandler() http.Handler {
	if reg := metrics.GetRegistry(); reg != nil {
		return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

// ListenAndServe blocks serving the API until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	logger.Info("Admin API listening on %s", s.cfg.Listen)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// submitPayload is the JSON body of POST /api/batches.
type submitPayload struct {
	Name            string            `json:"name"`
	Priority        int               `json:"priority"`
	MaxParallel     int               `json:"max_parallel"`
	ContinueOnError bool              `json:"continue_on_error"`
	Spec            batch.Spec        `json:"spec"`
	Targets         []batch.TargetRef `json:"targets"`

	// Start launches the batch immediately after submission.
	Start bool `json:"start"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	op, err := s.orch.Submit(r.Context(), batch.Request{
		Name:            payload.Name,
		Priority:        payload.Priority,
		MaxParallel:     payload.MaxParallel,
		ContinueOnError: payload.ContinueOnError,
		Spec:            payload.Spec,
		Targets:         payload.Targets,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if payload.Start {
		if err := s.orch.Start(r.Context(), op.ID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		op, err = s.orch.Get(r.Context(), op.ID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ops, err := s.orch.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	op, err := s.orch.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// action adapts an orchestrator lifecycle method into a handler that
// responds with the batch's post-transition snapshot.
func (s *Server) action(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := fn(r.Context(), id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		op, err := s.orch.Get(r.Context(), id)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, op)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps orchestrator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, batch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrInvalidState), errors.Is(err, batch.ErrNoFailedTargets):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
