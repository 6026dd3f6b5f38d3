package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/duolink/duolink/internal/session"
	"github.com/duolink/duolink/internal/store"
)

type createSessionRequest struct {
	ExpiresInSeconds *int64 `json:"expires_in_seconds"`
}

type createSessionResponse struct {
	SessionID        string    `json:"session_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresInSeconds int64     `json:"expires_in_seconds"`
}

type sessionResponse struct {
	SessionID        string         `json:"session_id"`
	Status           session.Status `json:"status"`
	ParticipantCount int            `json:"participant_count"`
	ExpiresAt        time.Time      `json:"expires_at"`
}

func (s *Server) registerSessionRoutes() {
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
			return
		}
	}

	requested := time.Duration(0)
	if req.ExpiresInSeconds != nil {
		if *req.ExpiresInSeconds < 0 {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "expires_in_seconds must be positive"})
			return
		}
		requested = time.Duration(*req.ExpiresInSeconds) * time.Second
	}
	expiry := s.cfg.ClampExpiry(requested)

	sess, err := s.store.Create(r.Context(), expiry)
	if err != nil {
		s.log.Error("create session", "err", err)
		s.writeStoreError(w)
		return
	}

	s.metrics.SessionCreated()
	s.log.Info("session created", "session_id", sess.ID, "expires_at", sess.ExpiresAt)
	WriteJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:        sess.ID,
		ExpiresAt:        sess.ExpiresAt,
		ExpiresInSeconds: int64(expiry / time.Second),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	sess, err := s.store.Get(r.Context(), id)
	if errors.Is(err, store.ErrSessionNotFound) {
		WriteJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	if err != nil {
		s.log.Error("get session", "session_id", id, "err", err)
		s.writeStoreError(w)
		return
	}

	WriteJSON(w, http.StatusOK, sessionResponse{
		SessionID:        sess.ID,
		Status:           sess.Status(),
		ParticipantCount: sess.ParticipantCount,
		ExpiresAt:        sess.ExpiresAt,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.store.Delete(r.Context(), id)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		s.log.Error("delete session", "session_id", id, "err", err)
		s.writeStoreError(w)
		return
	}

	// Deleting an unknown or already-expired session succeeds: the observable
	// outcome is the same either way.
	s.metrics.SessionDeleted()
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError hides backend detail from clients.
func (s *Server) writeStoreError(w http.ResponseWriter) {
	WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "session store unavailable"})
}
