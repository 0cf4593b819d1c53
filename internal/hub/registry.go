package hub

import (
	"log/slog"
	"sync"

	"github.com/roomhub/roomhub/internal/observability"
)

// Conn is the transport-side view of a live duplex connection. The
// registry never owns the connection; it holds a reference for lookup
// and fan-out. Enqueue must not block: it returns false when the
// connection cannot accept the frame (full buffer, closed socket), which
// the registry treats as an implicit disconnect.
type Conn interface {
	Enqueue(frame []byte) bool
	Close()
}

// Registry tracks which connections are in which room and which user
// owns them. All state is process-local: running multiple instances
// behind a load balancer fragments rooms, since a user connected to one
// instance cannot see broadcasts on another. That is a documented
// scaling limitation of this design, deliberately not masked here.
type Registry struct {
	mu sync.RWMutex

	// room -> set of member connections. A room key exists if and only
	// if it has at least one live connection; the key is removed the
	// moment the last member leaves.
	rooms map[string]map[Conn]struct{}

	// Per-connection bookkeeping, removed on disconnect.
	connRoom map[Conn]string
	connUser map[Conn]string

	// user -> room -> number of that user's connections in the room.
	// Reference-counted so a user with two tabs in the same room keeps
	// their room membership until the last tab closes.
	userRooms map[string]map[string]int

	// user -> total live connections.
	userConns map[string]int

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	return &Registry{
		rooms:     make(map[string]map[Conn]struct{}),
		connRoom:  make(map[Conn]string),
		connUser:  make(map[Conn]string),
		userRooms: make(map[string]map[string]int),
		userConns: make(map[string]int),
		logger:    logger.With("component", "registry"),
		metrics:   metrics,
	}
}

// Connect registers a connection as a member of roomID owned by userID.
// A connection belongs to exactly one room; connecting an already
// registered connection moves it to the new room first.
func (r *Registry) Connect(c Conn, roomID, userID string) {
	r.mu.Lock()

	if _, exists := r.connRoom[c]; exists {
		r.removeLocked(c)
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[Conn]struct{})
		r.rooms[roomID] = members
	}
	members[c] = struct{}{}
	r.connRoom[c] = roomID
	r.connUser[c] = userID

	rooms, ok := r.userRooms[userID]
	if !ok {
		rooms = make(map[string]int)
		r.userRooms[userID] = rooms
	}
	rooms[roomID]++
	r.userConns[userID]++

	conns, roomsTotal := len(r.connRoom), len(r.rooms)
	r.mu.Unlock()

	r.metrics.SetActiveConnections(conns)
	r.metrics.SetActiveRooms(roomsTotal)
	r.logger.Debug("connection registered",
		"room_id", roomID, "user_id", userID,
		"active_connections", conns, "active_rooms", roomsTotal)
}

// Disconnect removes all bookkeeping for the connection. Idempotent:
// disconnecting an unknown or already removed connection is a no-op.
func (r *Registry) Disconnect(c Conn) {
	r.mu.Lock()
	roomID, known := r.connRoom[c]
	userID := r.connUser[c]
	if known {
		r.removeLocked(c)
	}
	conns, roomsTotal := len(r.connRoom), len(r.rooms)
	r.mu.Unlock()

	if !known {
		return
	}

	r.metrics.SetActiveConnections(conns)
	r.metrics.SetActiveRooms(roomsTotal)
	r.logger.Debug("connection removed",
		"room_id", roomID, "user_id", userID,
		"active_connections", conns, "active_rooms", roomsTotal)
}

// removeLocked deletes the connection from every index. Caller holds mu.
func (r *Registry) removeLocked(c Conn) {
	roomID := r.connRoom[c]
	userID := r.connUser[c]
	delete(r.connRoom, c)
	delete(r.connUser, c)

	if members, ok := r.rooms[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}

	if rooms, ok := r.userRooms[userID]; ok {
		if rooms[roomID] <= 1 {
			delete(rooms, roomID)
		} else {
			rooms[roomID]--
		}
		if len(rooms) == 0 {
			delete(r.userRooms, userID)
		}
	}

	if n := r.userConns[userID]; n <= 1 {
		delete(r.userConns, userID)
	} else {
		r.userConns[userID] = n - 1
	}
}

// Broadcast enqueues frame on every member of roomID except exclude
// (nil to deliver to all). Sends are isolated per connection: a member
// that rejects the frame is implicitly disconnected and closed without
// affecting delivery to its siblings. Returns the number of successful
// deliveries. An unknown room delivers to nobody.
func (r *Registry) Broadcast(roomID string, frame []byte, exclude Conn) int {
	r.mu.RLock()
	members := r.rooms[roomID]
	targets := make([]Conn, 0, len(members))
	for c := range members {
		if c != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []Conn
	for _, c := range targets {
		if c.Enqueue(frame) {
			delivered++
		} else {
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		r.metrics.IncSendFailures()
		r.logger.Warn("send failed, dropping connection", "room_id", roomID)
		r.Disconnect(c)
		c.Close()
	}

	return delivered
}

// RoomConnections returns the number of live connections in roomID.
// An unknown room is zero, never an error.
func (r *Registry) RoomConnections(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// UserConnections returns the number of live connections owned by userID.
func (r *Registry) UserConnections(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userConns[userID]
}

// UserRooms returns the rooms userID currently has at least one
// connection in.
func (r *Registry) UserRooms(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.userRooms[userID]))
	for roomID := range r.userRooms[userID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Counts returns the total live connections and rooms.
func (r *Registry) Counts() (connections, rooms int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connRoom), len(r.rooms)
}

// CloseAll disconnects and closes every registered connection. Used
// during graceful shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.connRoom))
	for c := range r.connRoom {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.Disconnect(c)
		c.Close()
	}
}
