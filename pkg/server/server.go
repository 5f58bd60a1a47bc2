// Package server exposes the job intake HTTP surface: submit a posting URL,
// inspect session state, retry, provide input, delete.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/applyforge/applyforge/pkg/pipeline"
)

// Server wraps the orchestrator behind a JSON API.
type Server struct {
	orchestrator *pipeline.Orchestrator
	http         *http.Server
}

func New(addr string, orchestrator *pipeline.Orchestrator) (*Server, error) {
	if orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}

	s := &Server{orchestrator: orchestrator}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1/applications", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Delete("/", s.handleDelete)
			r.Post("/retry", s.handleRetry)
			r.Post("/input", s.handleInput)
		})
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) ListenAndServe() error {
	slog.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req pipeline.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	sess, err := s.orchestrator.Submit(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Processing continues asynchronously; the caller polls or listens
	// for session events.
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orchestrator.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner query parameter is required"))
		return
	}

	sessions, err := s.orchestrator.List(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []*pipeline.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orchestrator.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answers map[string]string `json:"answers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	sess, err := s.orchestrator.ProvideInput(r.Context(), chi.URLParam(r, "id"), req.Answers)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	if errors.Is(err, pipeline.ErrSessionNotFound) {
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
