// Package server provides the HTTP surface of the evermind coordinator:
// the respond path for human answers, request and session inspection,
// and the SSE event feed. The platform API proper lives elsewhere; this
// is only the externally drivable slice of the coordination core.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	dbgorm "github.com/evermind-ai/evermind/internal/db/gorm"
	"github.com/evermind-ai/evermind/internal/events"
	"github.com/evermind-ai/evermind/internal/hitl"
	"github.com/evermind-ai/evermind/internal/session"
)

// Service wires the coordinator components behind a chi router.
type Service struct {
	manager     *hitl.Manager
	requests    *dbgorm.RequestStore
	cache       *session.Cache
	broadcaster *events.Broadcaster
	router      chi.Router
	httpServer  *http.Server
	startTime   time.Time
	version     string
}

// New creates the service and mounts its routes. requests may be nil
// when persistence is disabled; the inspection endpoint then returns 404
// for every id.
func New(manager *hitl.Manager, requests *dbgorm.RequestStore, cache *session.Cache, broadcaster *events.Broadcaster, version string) *Service {
	svc := &Service{
		manager:     manager,
		requests:    requests,
		cache:       cache,
		broadcaster: broadcaster,
		router:      chi.NewRouter(),
		startTime:   time.Now(),
		version:     version,
	}
	svc.setupRoutes()
	return svc
}

func (s *Service) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Post("/hitl/requests/{id}/respond", s.handleRespond)
		r.Get("/hitl/requests/{id}", s.handleGetRequest)
		r.Get("/sessions", s.handleSessions)
		r.Get("/events", s.broadcaster.HandleSSE)
	})
}

// Router exposes the mounted routes for embedding and tests.
func (s *Service) Router() http.Handler {
	return s.router
}

// Start begins serving on addr. Blocks until the listener fails or
// Shutdown is called.
func (s *Service) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", addr).Str("version", s.version).Msg("Coordinator HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type respondBody struct {
	Response string `json:"response"`
}

// handleRespond delivers a human answer to a request id. The returned
// target_id may differ from the path id when the response was redirected
// to a superseding request.
func (s *Service) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Response == "" {
		s.writeError(w, http.StatusBadRequest, "response is required")
		return
	}

	target, err := s.manager.Respond(r.Context(), id, body.Response)
	if err != nil {
		if errors.Is(err, hitl.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "request not found")
			return
		}
		log.Error().Err(err).Str("requestID", id).Msg("Respond failed")
		s.writeError(w, http.StatusInternalServerError, "respond failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"request_id": id,
		"target_id":  target,
	})
}

// handleGetRequest returns the persisted record for one request id.
func (s *Service) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.requests == nil {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	rec, err := s.requests.GetRequest(r.Context(), id)
	if err != nil {
		log.Error().Err(err).Str("requestID", id).Msg("Request lookup failed")
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if rec == nil {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}

	resp := map[string]any{
		"id":              rec.ID,
		"type":            rec.Type,
		"conversation_id": rec.ConversationID,
		"tenant_id":       rec.TenantID,
		"question":        rec.Question,
		"status":          rec.Status,
		"created_at":      rec.CreatedAt,
	}
	if rec.Response.Valid {
		resp["response"] = rec.Response.String
	}
	if rec.AnsweredAt.Valid {
		resp["answered_at"] = rec.AnsweredAt.String
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleSessions returns a snapshot of the process-local session cache.
func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.cache.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(infos),
		"sessions": infos,
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"pending":        s.manager.PendingCount(),
	})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
