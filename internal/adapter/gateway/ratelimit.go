package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// userLimiter applies a per-user token bucket at the transport layer. It is
// independent of the quota ledger: the ledger governs paid usage, this guard
// only keeps one chatty client from monopolizing the gateway.
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// idleEviction is how long an idle user's bucket is kept before it is
// dropped from the map.
const idleEviction = 10 * time.Minute

func newUserLimiter(rps float64, burst int) *userLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &userLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the user may make another request now.
func (u *userLimiter) Allow(userID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	entry, ok := u.limiters[userID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(u.rps, u.burst)}
		u.limiters[userID] = entry
	}
	entry.lastSeen = now

	// Opportunistic eviction keeps the map from growing unbounded.
	if len(u.limiters) > 1024 {
		for id, e := range u.limiters {
			if now.Sub(e.lastSeen) > idleEviction {
				delete(u.limiters, id)
			}
		}
	}

	return entry.limiter.Allow()
}
