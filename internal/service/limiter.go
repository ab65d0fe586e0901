package service

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long a submitter's limiter survives without use.
const idleLimiterTTL = time.Hour

// submitLimiter applies a per-submitter token bucket. Idle buckets expire.
type submitLimiter struct {
	mu       sync.Mutex
	limiters *gocache.Cache
	limit    rate.Limit
	burst    int
}

// newSubmitLimiter allows perMinute submissions per submitter, with bursts up
// to the same amount. It returns nil when perMinute <= 0, which disables limiting.
func newSubmitLimiter(perMinute int) *submitLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &submitLimiter{
		limiters: gocache.New(idleLimiterTTL, idleLimiterTTL/2),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
	}
}

// Allow reports whether submitterID may submit now.
func (l *submitLimiter) Allow(submitterID string) bool {
	if l == nil {
		return true
	}
	return l.get(submitterID).Allow()
}

func (l *submitLimiter) get(submitterID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	var lim *rate.Limiter
	if v, ok := l.limiters.Get(submitterID); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(l.limit, l.burst)
	}
	l.limiters.Set(submitterID, lim, gocache.DefaultExpiration)
	return lim
}
