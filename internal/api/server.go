// Package api is the management surface: agent listings, event backfill,
// the live push channel, and the semantic-labeling ingress. Anything not
// matched here falls through to the proxy handler.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cnrmurphy/sentinel/internal/agents"
	"github.com/cnrmurphy/sentinel/internal/bus"
	"github.com/cnrmurphy/sentinel/internal/events"
	"github.com/cnrmurphy/sentinel/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// backfillLimit bounds the unfiltered backfill served to new subscribers.
const backfillLimit = 100

type Server struct {
	store    store.EventStore
	bus      *bus.Bus
	recorder *bus.Recorder
	registry *agents.Registry
	router   chi.Router
}

// NewServer builds the router. fallback (the proxy handler) receives every
// request that is not an /api route; API routes always win.
func NewServer(s store.EventStore, b *bus.Bus, rec *bus.Recorder, reg *agents.Registry, fallback http.Handler) *Server {
	srv := &Server{
		store:    s,
		bus:      b,
		recorder: rec,
		registry: reg,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", srv.handleHealth)
		r.Get("/agents", srv.handleListAgents)
		r.Get("/agents/{name}/events", srv.handleAgentEvents)
		r.Get("/events", srv.handleEventStream)
		r.Post("/labels", srv.handleLabel)
	})

	if fallback != nil {
		r.NotFound(fallback.ServeHTTP)
	}

	srv.router = r
	return srv
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"service":     "sentinel",
		"subscribers": s.bus.SubscriberCount(),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		slog.Error("list agents failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if list == nil {
		list = []store.Agent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAgentEvents(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	evts, err := s.store.EventsByAgent(r.Context(), name)
	if err != nil {
		slog.Error("query agent events failed", "agent", name, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	writeJSON(w, http.StatusOK, evts)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
