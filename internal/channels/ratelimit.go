package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedSenders caps the limiter map so an attacker rotating
	// sender ids cannot exhaust memory.
	maxTrackedSenders = 4096

	defaultRatePerMinute = 30
	defaultBurst         = 5

	senderIdleTimeout = 10 * time.Minute
)

type senderEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SenderLimiter applies a token-bucket rate limit per sender id with a
// bounded tracking map. Safe for concurrent use.
type SenderLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*senderEntry
}

// NewSenderLimiter creates a limiter allowing ratePerMinute requests per
// sender with the given burst. Non-positive values use the defaults.
func NewSenderLimiter(ratePerMinute, burst int) *SenderLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = defaultRatePerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &SenderLimiter{
		limit:   rate.Limit(float64(ratePerMinute) / 60.0),
		burst:   burst,
		entries: make(map[string]*senderEntry),
	}
}

// Allow reports whether the sender may proceed right now.
func (l *SenderLimiter) Allow(senderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.entries[senderID]
	if !ok {
		if len(l.entries) >= maxTrackedSenders {
			l.pruneLocked(now)
		}
		entry = &senderEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[senderID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// pruneLocked drops idle senders, then evicts arbitrarily if the map is
// still at the cap.
func (l *SenderLimiter) pruneLocked(now time.Time) {
	for id, entry := range l.entries {
		if now.Sub(entry.lastSeen) > senderIdleTimeout {
			delete(l.entries, id)
		}
	}
	for len(l.entries) >= maxTrackedSenders {
		for id := range l.entries {
			delete(l.entries, id)
			break
		}
	}
}
