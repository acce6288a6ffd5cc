package handler

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterSweepEvery = 5 * time.Minute
	limiterIdleAfter  = 10 * time.Minute
)

// clientLimits holds one token bucket per client address.
type clientLimits struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newClientLimits(rps, burst int) *clientLimits {
	if burst < 1 {
		burst = 1
	}
	return &clientLimits{
		buckets: make(map[string]*bucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// allow takes a token from addr's bucket. When the bucket is empty it also
// returns how long until the next token.
func (l *clientLimits) allow(addr string) (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[addr]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[addr] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// sweep drops buckets idle since before cutoff.
func (l *clientLimits) sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for addr, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, addr)
			n++
		}
	}
	return n
}

// RateLimiter returns a Gin middleware enforcing a per-client token bucket of
// rps requests per second with the given burst. Rejections answer 429 with a
// Retry-After in whole seconds. Idle buckets are swept until ctx ends.
func RateLimiter(ctx context.Context, rps, burst int) gin.HandlerFunc {
	limits := newClientLimits(rps, burst)

	go func() {
		t := time.NewTicker(limiterSweepEvery)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				limits.sweep(limits.now().Add(-limiterIdleAfter))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(c *gin.Context) {
		ok, wait := limits.allow(c.ClientIP())
		if ok {
			c.Next()
			return
		}
		secs := int(wait.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		rateLimitedTotal.WithLabelValues(path).Inc()
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	}
}
