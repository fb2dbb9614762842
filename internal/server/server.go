// Package server exposes the memory engine over HTTP: resolution, fact and
// episode writes, ranked recall, conflict inspection, and a WebSocket feed of
// conflict events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/internal/engine"
	"github.com/lucidity-labs/mnemosyne/internal/retrieval"
	"github.com/lucidity-labs/mnemosyne/internal/storage"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// Server hosts the engine's HTTP surface.
type Server struct {
	engine *engine.Engine
	hub    *ConflictHub
	http   *http.Server
}

// New creates a server around an engine and subscribes the conflict feed.
func New(eng *engine.Engine, cfg config.ServerConfig) *Server {
	s := &Server{
		engine: eng,
		hub:    NewConflictHub(),
	}
	eng.OnConflict(s.hub.Broadcast)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/entities", s.handleRegisterEntity)
	mux.HandleFunc("GET /api/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("POST /api/resolve", s.handleResolve)
	mux.HandleFunc("POST /api/resolve/confirm", s.handleConfirm)
	mux.HandleFunc("POST /api/facts", s.handleRemember)
	mux.HandleFunc("POST /api/facts/{id}/revalidate", s.handleRevalidate)
	mux.HandleFunc("POST /api/episodes", s.handleEpisode)
	mux.HandleFunc("POST /api/recall", s.handleRecall)
	mux.HandleFunc("GET /api/conflicts", s.handleConflicts)
	mux.HandleFunc("GET /ws/conflicts", s.hub.HandleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           securityHeaders(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving and returns the bound address, which differs from the
// configured one when port 0 was requested.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return "", fmt.Errorf("server: failed to listen on %s: %w", s.http.Addr, err)
	}
	go s.hub.Run()
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: serve error: %v", err)
		}
	}()
	log.Printf("server: listening on %s", ln.Addr())
	return ln.Addr().String(), nil
}

// Shutdown drains in-flight requests and closes the conflict feed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.http.Shutdown(ctx)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRegisterEntity(w http.ResponseWriter, r *http.Request) {
	var entity types.Entity
	if err := json.NewDecoder(r.Body).Decode(&entity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := s.engine.RegisterEntity(r.Context(), &entity)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := s.engine.GetEntity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

type resolveRequest struct {
	Mention string                    `json:"mention"`
	Context types.ConversationContext `json:"context"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Mention == "" {
		writeError(w, http.StatusBadRequest, "mention is required")
		return
	}

	result, err := s.engine.Resolve(r.Context(), req.Mention, req.Context)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type confirmRequest struct {
	Mention  string `json:"mention"`
	Actor    string `json:"actor"`
	EntityID string `json:"entity_id"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.engine.ConfirmChoice(r.Context(), req.Mention, req.Actor, req.EntityID)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var cand types.CandidateFact
	if err := json.NewDecoder(r.Body).Decode(&cand); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := s.engine.Remember(r.Context(), cand)
	if err != nil {
		var shape types.ErrInvalidFactShape
		if errors.As(err, &shape) {
			writeError(w, http.StatusBadRequest, shape.Error())
			return
		}
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type revalidateRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	var req revalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fact, err := s.engine.Revalidate(r.Context(), r.PathValue("id"), req.Confirmed)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fact)
}

func (s *Server) handleEpisode(w http.ResponseWriter, r *http.Request) {
	var ep types.Episode
	if err := json.NewDecoder(r.Body).Decode(&ep); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	stored, err := s.engine.RememberEpisode(r.Context(), &ep)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var q retrieval.Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results, err := s.engine.Recall(r.Context(), q)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	unresolved := r.URL.Query().Get("unresolved") == "true"
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	conflicts, err := s.engine.Conflicts(r.Context(), subject, unresolved, limit)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("server: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
