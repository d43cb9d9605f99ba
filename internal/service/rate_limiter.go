package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ActorLimiter hands out one token bucket per actor and store.
type ActorLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*actorBucket
	idleTTL  time.Duration
	now      func() time.Time
}

type actorBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewActorLimiter(qps float64, burst int) *ActorLimiter {
	limit := rate.Limit(qps)
	if qps <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &ActorLimiter{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*actorBucket),
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

// Allow reports whether the actor may issue another request now.
func (l *ActorLimiter) Allow(storeID, actorID string) bool {
	key := storeID + ":" + actorID
	now := l.now()

	l.mu.Lock()
	b, ok := l.limiters[key]
	if !ok {
		b = &actorBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = b
		if len(l.limiters)%256 == 0 {
			l.evictIdle(now)
		}
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// evictIdle drops buckets unused for idleTTL. Caller holds mu.
func (l *ActorLimiter) evictIdle(now time.Time) {
	for key, b := range l.limiters {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.limiters, key)
		}
	}
}
