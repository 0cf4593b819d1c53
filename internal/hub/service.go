package hub

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roomhub/roomhub/internal/events"
	"github.com/roomhub/roomhub/internal/observability"
	"github.com/roomhub/roomhub/internal/ratelimit"
)

// ErrRateLimited is returned when the sender has exhausted their
// message quota for the current window.
var ErrRateLimited = errors.New("rate limit exceeded")

// Result describes one completed broadcast.
type Result struct {
	MessageID string
	Receivers int
}

// BroadcastService applies the per-sender message quota and fans frames
// out to room members. Both the streaming receive loop and the REST
// broadcast endpoint go through here, so both are subject to the same
// limiter.
type BroadcastService struct {
	registry *Registry
	limiter  atomic.Pointer[ratelimit.SlidingWindow]
	logger   *slog.Logger
	metrics  *observability.Metrics
	emitter  *events.Emitter
}

// NewBroadcastService wires the broadcast pipeline together. emitter may
// be nil when usage events are disabled.
func NewBroadcastService(registry *Registry, limiter *ratelimit.SlidingWindow,
	logger *slog.Logger, metrics *observability.Metrics, emitter *events.Emitter) *BroadcastService {
	s := &BroadcastService{
		registry: registry,
		logger:   logger.With("component", "broadcast"),
		metrics:  metrics,
		emitter:  emitter,
	}
	s.limiter.Store(limiter)
	return s
}

// SwapLimiter atomically replaces the limiter (config hot-reload) and
// returns the old one so the caller can close it. In-window counts are
// reset; every sender starts the new window fresh.
func (s *BroadcastService) SwapLimiter(limiter *ratelimit.SlidingWindow) *ratelimit.SlidingWindow {
	return s.limiter.Swap(limiter)
}

// Broadcast checks the sender's quota, charges one message, and delivers
// msg to every member of roomID except exclude (nil to deliver to all,
// as the REST endpoint does). Returns ErrRateLimited without charging
// quota when the sender is over their limit; the caller reports the
// denial inline and keeps the session alive.
func (s *BroadcastService) Broadcast(roomID, senderID string, msg Message, exclude Conn) (Result, error) {
	limiter := s.limiter.Load()
	if !limiter.Allowed(senderID) {
		s.metrics.IncRateLimited()
		s.emitter.Emit(events.UsageEvent{
			Kind:      events.KindRateLimited,
			RoomID:    roomID,
			UserID:    senderID,
			Timestamp: time.Now().Format(time.RFC3339),
		})
		s.logger.Debug("message denied by limiter", "room_id", roomID, "user_id", senderID)
		return Result{}, ErrRateLimited
	}
	limiter.Record(senderID)

	msg.Sender = senderID
	msg.RoomID = roomID
	frame, err := msg.Encode()
	if err != nil {
		return Result{}, err
	}

	id := uuid.NewString()
	delivered := s.registry.Broadcast(roomID, frame, exclude)

	s.metrics.IncMessagesBroadcast()
	s.metrics.AddDeliveries(delivered)
	s.metrics.ObserveFanout(delivered)
	s.emitter.Emit(events.UsageEvent{
		Kind:      events.KindBroadcast,
		RoomID:    roomID,
		UserID:    senderID,
		MessageID: id,
		Receivers: delivered,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	s.logger.Debug("message broadcast",
		"room_id", roomID, "user_id", senderID,
		"message_id", id, "receivers", delivered)

	return Result{MessageID: id, Receivers: delivered}, nil
}

// RetryAfter reports how long senderID must wait before their next
// message fits, for use in a 429 Retry-After hint.
func (s *BroadcastService) RetryAfter(senderID string) time.Duration {
	return s.limiter.Load().RetryAfter(senderID)
}
