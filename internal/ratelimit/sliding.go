// Package ratelimit enforces per-sender message quotas over a sliding
// time window. Unlike a fixed window, the limit holds over ANY interval
// of the configured length, so a sender cannot double their throughput
// by straddling a window boundary.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow tracks message timestamps per sender identity and answers
// whether another message fits inside the window right now.
//
// Admission and recording are split: Allowed inspects without mutating,
// Record appends a timestamp. Callers that deny a message call only
// Allowed, so denied attempts never consume quota — a sender at the limit
// can keep probing and is admitted again the moment the oldest timestamp
// ages out, rather than pushing their own recovery further away.
//
// State is local to this process. Running multiple instances gives each
// sender an independent quota per instance; that is a known scaling
// limitation, not something this package papers over.
type SlidingWindow struct {
	mu      sync.Mutex
	senders map[string][]time.Time
	max     int
	window  time.Duration

	now  func() time.Time // swappable for tests
	done chan struct{}
}

// NewSlidingWindow creates a limiter allowing max messages per window for
// each distinct identity. idleEviction sets how often a janitor sweeps
// identities whose entire history has aged out; zero disables the sweep.
func NewSlidingWindow(max int, window, idleEviction time.Duration) *SlidingWindow {
	sw := &SlidingWindow{
		senders: make(map[string][]time.Time),
		max:     max,
		window:  window,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if idleEviction > 0 {
		go sw.janitor(idleEviction)
	}
	return sw
}

// Allowed reports whether the identity may send another message now.
// It prunes aged-out timestamps but does not consume quota.
func (sw *SlidingWindow) Allowed(id string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	live := sw.prune(id)
	return len(live) < sw.max
}

// Record charges one message to the identity at the current time.
// Call it only after Allowed returned true for the same message.
func (sw *SlidingWindow) Record(id string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.senders[id] = append(sw.prune(id), sw.now())
}

// RetryAfter returns how long the identity must wait before the next
// message fits, rounded up to the next whole second for use in a
// Retry-After hint. Returns zero when a message fits now.
func (sw *SlidingWindow) RetryAfter(id string) time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	live := sw.prune(id)
	if len(live) < sw.max {
		return 0
	}
	// Oldest timestamp ages out first; quota frees up when it leaves the window.
	wait := sw.window - sw.now().Sub(live[len(live)-sw.max])
	if wait <= 0 {
		return time.Second
	}
	return wait.Round(time.Second) + time.Second
}

// Forget drops all state for an identity.
func (sw *SlidingWindow) Forget(id string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.senders, id)
}

// Close stops the janitor goroutine. Safe to call multiple times.
func (sw *SlidingWindow) Close() {
	select {
	case <-sw.done:
	default:
		close(sw.done)
	}
}

// prune drops timestamps older than the window for id and returns the
// surviving slice. Caller must hold mu. An identity whose history fully
// ages out is deleted from the map so idle senders cost nothing.
func (sw *SlidingWindow) prune(id string) []time.Time {
	ts, ok := sw.senders[id]
	if !ok {
		return nil
	}
	cutoff := sw.now().Add(-sw.window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	live := ts[i:]
	if len(live) == 0 {
		delete(sw.senders, id)
		return nil
	}
	// Copy so the backing array of evicted entries can be collected.
	fresh := make([]time.Time, len(live))
	copy(fresh, live)
	sw.senders[id] = fresh
	return fresh
}

func (sw *SlidingWindow) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sw.done:
			return
		case <-ticker.C:
			sw.sweep()
		}
	}
}

// sweep evicts identities whose entire history has aged out.
func (sw *SlidingWindow) sweep() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := sw.now().Add(-sw.window)
	for id, ts := range sw.senders {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(sw.senders, id)
		}
	}
}
