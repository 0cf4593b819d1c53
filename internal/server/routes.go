package server

import "net/http"

// routes builds the main server mux: the streaming endpoint plus the
// REST control surface.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/rooms/{roomId}", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /rooms/{roomId}/connections", s.handleRoomConnections)
	mux.HandleFunc("GET /users/{userId}/connections", s.handleUserConnections)
	mux.HandleFunc("POST /rooms/{roomId}/broadcast", s.handleBroadcast)
	return mux
}
