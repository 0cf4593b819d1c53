package hub

import (
	"hash/fnv"
	"sync"
)

const connShardCount = 64

// ConnLimiter enforces a maximum number of concurrent connections per
// user. It uses 64 shards to reduce mutex contention when many users
// connect at once.
type ConnLimiter struct {
	shards [connShardCount]connShard
	maxPer int64
}

type connShard struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewConnLimiter creates a per-user connection limiter. A maxPerUser of
// 0 means unlimited (Acquire always succeeds).
func NewConnLimiter(maxPerUser int64) *ConnLimiter {
	l := &ConnLimiter{maxPer: maxPerUser}
	for i := range l.shards {
		l.shards[i].counts = make(map[string]int64)
	}
	return l
}

func (l *ConnLimiter) shard(userID string) *connShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.shards[h.Sum32()%connShardCount]
}

// Acquire returns true if the user is within their connection limit.
// The caller MUST call Release when the connection closes.
func (l *ConnLimiter) Acquire(userID string) bool {
	if l == nil || l.maxPer <= 0 {
		return true
	}
	s := l.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[userID] >= l.maxPer {
		return false
	}
	s.counts[userID]++
	return true
}

// Release decrements the connection count for the user.
func (l *ConnLimiter) Release(userID string) {
	if l == nil || l.maxPer <= 0 {
		return
	}
	s := l.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.counts[userID]; n <= 1 {
		delete(s.counts, userID)
	} else {
		s.counts[userID] = n - 1
	}
}
