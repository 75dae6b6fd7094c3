package auth

import (
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10
)

// limiterPool hands out one token bucket per API key (or per client IP for
// unauthenticated callers). Buckets are created lazily and never expire;
// the key space is bounded by the configured keys plus active client IPs.
type limiterPool struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

func newLimiterPool(cfg SecConfig) *limiterPool {
	p := &limiterPool{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(cfg.RPS),
		burst:   cfg.Burst,
	}
	if p.rps <= 0 {
		p.rps = defaultRPS
	}
	if p.burst <= 0 {
		p.burst = defaultBurst
	}
	return p
}

func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	l, ok := p.buckets[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.buckets[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
