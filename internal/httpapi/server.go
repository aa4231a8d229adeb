// Package httpapi exposes the research agent over REST and websocket
// edges. State flows one way: commands come in over REST, full session
// snapshots stream out over the websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Meridian/internal/db"
	"github.com/Kocoro-lab/Meridian/internal/engine"
	"github.com/Kocoro-lab/Meridian/internal/llm"
	"github.com/Kocoro-lab/Meridian/internal/search"
	"github.com/Kocoro-lab/Meridian/internal/session"
	"github.com/Kocoro-lab/Meridian/internal/streaming"
	"github.com/Kocoro-lab/Meridian/internal/trace"
)

// Trace statuses surfaced in session snapshots.
const (
	traceInProgress = "In Progress"
)

// Server wires the REST and websocket handlers over the session
// manager.
type Server struct {
	sessions  *session.Manager
	stream    *streaming.Manager
	client    llm.Client
	search    search.Provider
	fetcher   search.Fetcher
	engineCfg engine.Config
	archiver  *db.Archiver
	logger    *zap.Logger

	// mu guards running: one generation loop per session at a time.
	mu      sync.Mutex
	running map[string]struct{}
}

// SetArchiver enables asynchronous archiving of finished runs. Optional.
func (s *Server) SetArchiver(a *db.Archiver) { s.archiver = a }

// NewServer builds the API server. engineCfg.Notify is overridden per
// run to publish snapshots.
func NewServer(sessions *session.Manager, stream *streaming.Manager, client llm.Client, provider search.Provider, fetcher search.Fetcher, engineCfg engine.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sessions:  sessions,
		stream:    stream,
		client:    client,
		search:    provider,
		fetcher:   fetcher,
		engineCfg: engineCfg,
		logger:    logger,
		running:   make(map[string]struct{}),
	}
}

// RegisterRoutes attaches all endpoints to the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleMessage)
	mux.HandleFunc("POST /api/sessions/{id}/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /api/sessions/{id}/trace", s.handleTrace)
	s.RegisterWebSocket(mux)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ParentID string `json:"parent_id"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body allowed
	}
	state, err := s.sessions.Create(r.Context(), req.ParentID)
	if err != nil {
		s.logger.Error("Failed to create session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": state.ID})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, state.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sessions.Delete(r.Context(), id); err != nil {
		s.logger.Error("Failed to delete session", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	s.stream.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	var req struct {
		Message    string             `json:"message"`
		References []engine.Reference `json:"references,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}

	s.mu.Lock()
	if _, busy := s.running[state.ID]; busy {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "session is already processing a request")
		return
	}
	s.running[state.ID] = struct{}{}
	s.mu.Unlock()

	go s.runSession(state, req.Message, req.References)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// runSession drives one user request to completion in the background
// and persists the resulting state.
func (s *Server) runSession(state *session.State, message string, refs []engine.Reference) {
	defer func() {
		s.mu.Lock()
		delete(s.running, state.ID)
		s.mu.Unlock()
	}()

	cfg := s.engineCfg
	cfg.Notify = func() { s.publishSnapshot(state) }
	eng := engine.New(state, s.client, s.search, s.fetcher, cfg, s.logger)

	if err := eng.Run(context.Background(), message, refs); err != nil {
		s.logger.Error("Session run failed",
			zap.String("session_id", state.ID),
			zap.Error(err),
		)
		s.publishSnapshot(state)
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.sessions.Save(saveCtx, state); err != nil {
		s.logger.Error("Failed to persist session",
			zap.String("session_id", state.ID),
			zap.Error(err),
		)
	}

	if s.archiver != nil {
		doc, err := json.Marshal(state.Export())
		if err != nil {
			s.logger.Error("Failed to serialize session for archive",
				zap.String("session_id", state.ID),
				zap.Error(err),
			)
			return
		}
		if err := s.archiver.ArchiveSession(state.ID, state.ParentID, doc); err != nil {
			s.logger.Warn("Session archive deferred",
				zap.String("session_id", state.ID),
				zap.Error(err),
			)
		}
	}
}

// handleInterrupt flips the interrupt flag; the running loop observes
// it and performs all cleanup itself.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	state.Flags.RequestInterrupt()
	s.logger.Info("Interrupt requested", zap.String("session_id", state.ID))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "interrupting"})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	state, ok := s.loadSession(w, r)
	if !ok {
		return
	}

	var req struct {
		ArtifactID string `json:"artifact_id"`
		Fragment   string `json:"fragment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ArtifactID == "" || req.Fragment == "" {
		writeError(w, http.StatusBadRequest, "artifact_id and fragment required")
		return
	}
	if _, err := state.Artifacts.Get(req.ArtifactID); err != nil {
		writeError(w, http.StatusNotFound, "unknown artifact")
		return
	}

	state.SetTraceStatus(req.ArtifactID, traceInProgress)
	s.publishSnapshot(state)

	go s.runTrace(state, req.ArtifactID, req.Fragment)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// runTrace resolves a provenance trace in the background and streams
// the finished tree to observers.
func (s *Server) runTrace(state *session.State, artifactID, fragment string) {
	tracer := trace.NewEngine(s.client, state.Artifacts, s.logger)
	result, err := tracer.Trace(context.Background(), artifactID, fragment)
	if err != nil {
		s.logger.Error("Trace failed",
			zap.String("session_id", state.ID),
			zap.String("artifact_id", artifactID),
			zap.Error(err),
		)
		state.SetTraceStatus(artifactID, string(trace.StatusFailed))
		s.publishSnapshot(state)
		return
	}

	state.SetTraceStatus(artifactID, string(result.Status))
	if _, err := s.stream.Publish(state.ID, streaming.EventTrace, result); err != nil {
		s.logger.Error("Failed to publish trace result", zap.Error(err))
	}
	s.publishSnapshot(state)
}

func (s *Server) publishSnapshot(state *session.State) {
	if _, err := s.stream.Publish(state.ID, streaming.EventSnapshot, state.Snapshot()); err != nil {
		s.logger.Error("Failed to publish snapshot",
			zap.String("session_id", state.ID),
			zap.Error(err),
		)
	}
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*session.State, bool) {
	id := r.PathValue("id")
	state, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
		} else {
			s.logger.Error("Failed to load session", zap.String("session_id", id), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load session")
		}
		return nil, false
	}
	return state, true
}
