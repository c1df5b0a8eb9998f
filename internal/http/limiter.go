package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ActorLimiter applies a token bucket per actor id and periodically evicts idle entries.
// A nil *ActorLimiter allows everything.
type ActorLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	byActor map[string]*limiterEntry
	hits    uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewActorLimiter returns nil when rps or burst is not positive.
func NewActorLimiter(rps float64, burst int, idleTTL time.Duration) *ActorLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &ActorLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byActor: make(map[string]*limiterEntry),
	}
}

func (l *ActorLimiter) Allow(actorID string, now time.Time) bool {
	if l == nil || actorID == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byActor[actorID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byActor[actorID] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byActor {
			if v.lastSeen.Before(cutoff) {
				delete(l.byActor, k)
			}
		}
	}
	return allowed
}
