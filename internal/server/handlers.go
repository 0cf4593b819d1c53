package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/roomhub/roomhub/internal/auth"
	"github.com/roomhub/roomhub/internal/hub"
)

// jsonErrorResponse is the structured error body returned by roomhub.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
}

// writeJSON writes v as an application/json response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// writeJSONError writes a structured JSON error response.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	writeJSON(w, code, jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
	})
}

// authenticate resolves the request credential via the token gate. It
// writes a 401 and returns false when no credential is present at all;
// any present credential yields an identity (see the auth package for
// the edge-trust fallback).
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Context, bool) {
	ac, err := s.gate.Verify(auth.BearerFromRequest(r))
	if err != nil {
		s.metrics.IncAuthRejected()
		s.logger.Debug("request rejected: no credential", "path", r.URL.Path)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer credential", 0)
		return auth.Context{}, false
	}

	switch ac.Provenance {
	case auth.ProvenanceToken:
		s.metrics.IncAuthVerified()
	case auth.ProvenanceEdge:
		s.metrics.IncAuthFallback()
	}
	return ac, true
}

// handleHealth reports liveness plus live connection and room counts.
// No auth: load balancers and uptime probes hit this.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conns, rooms := s.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "healthy",
		"active_connections": conns,
		"active_rooms":       rooms,
	})
}

// handleRoomConnections reports the live connection count for one room.
// An unknown room is simply zero, never a 404.
func (s *Server) handleRoomConnections(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	roomID := r.PathValue("roomId")
	writeJSON(w, http.StatusOK, map[string]any{
		"room_id":            roomID,
		"active_connections": s.registry.RoomConnections(roomID),
	})
}

// handleUserConnections reports the live connection count for one user.
func (s *Server) handleUserConnections(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}

	userID := r.PathValue("userId")
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":            userID,
		"active_connections": s.registry.UserConnections(userID),
	})
}

// broadcastRequest is the POST /rooms/{roomId}/broadcast body.
type broadcastRequest struct {
	Text        string `json:"text"`
	MessageType string `json:"message_type"`
}

// handleBroadcast pushes a message into a room on behalf of a backend
// caller without a live connection. The caller's identity is charged
// against the same sliding-window quota as streaming senders.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", 0)
		return
	}
	if req.Text == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "text is required", 0)
		return
	}

	roomID := r.PathValue("roomId")
	msg := hub.Message{Type: hub.TypeMessage, Text: req.Text}
	if req.MessageType != "" {
		msg.Type = req.MessageType
	}

	res, err := s.service.Broadcast(roomID, ac.Subject, msg, nil)
	if err != nil {
		if errors.Is(err, hub.ErrRateLimited) {
			retrySeconds := math.Ceil(s.service.RetryAfter(ac.Subject).Seconds())
			if retrySeconds < 1 {
				retrySeconds = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retrySeconds))
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", retrySeconds)
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", "broadcast failed", 0)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "broadcasted",
		"message_id": res.MessageID,
	})
}

// handleWS upgrades the request to a WebSocket and joins it to the room.
// Authentication happens before the upgrade so a missing credential gets
// a clean 401 instead of a failed handshake mid-stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("roomId")

	if s.connSem != nil && !s.connSem.TryAcquire(1) {
		s.logger.Warn("connection rejected: process connection cap reached")
		writeJSONError(w, http.StatusServiceUnavailable, "overloaded", "connection capacity exhausted", 0)
		return
	}

	if !s.connLimiter.Acquire(ac.Subject) {
		if s.connSem != nil {
			s.connSem.Release(1)
		}
		s.logger.Warn("connection rejected: per-user cap reached", "user_id", ac.Subject)
		writeJSONError(w, http.StatusTooManyRequests, "too_many_connections", "per-user connection limit reached", 0)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.connLimiter.Release(ac.Subject)
		if s.connSem != nil {
			s.connSem.Release(1)
		}
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn, s, roomID, ac.Subject)
	s.registry.Connect(client, roomID, ac.Subject)
	client.run()
}

// checkOrigin allows any origin when allowed_origins is empty, otherwise
// requires an exact match.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}
