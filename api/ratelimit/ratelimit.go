// Package ratelimit limits how often a single client can hit a route
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"gitlab.com/arcanecrypto/earnings/api/apierr"
	"gitlab.com/arcanecrypto/earnings/build"
)

var log = build.AddSubLogger("RATE")

// KeyFunc picks the key requests are limited by, typically the
// authenticated user. An empty key falls back to the client IP.
type KeyFunc func(c *gin.Context) string

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps a token bucket per key
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// New creates a limiter allowing perMinute requests per minute per key,
// with bursts of up to burst requests
func New(perMinute float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(perMinute / 60),
		burst:    burst,
		now:      time.Now,
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = l.now()
	return e.limiter
}

// Allow reports whether a request for the given key may go through now
func (l *Limiter) Allow(key string) bool {
	return l.get(key).AllowN(l.now(), 1)
}

// Cleanup forgets keys not seen for the given duration
func (l *Limiter) Cleanup(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	cutoff := l.now().Add(-idle)
	for key, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// StartCleanup forgets idle keys every interval, until stop is closed
func (l *Limiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := l.Cleanup(interval); removed > 0 {
					log.WithField("removed", removed).Debug("Forgot idle rate limit keys")
				}
			case <-stop:
				return
			}
		}
	}()
}

// Middleware rejects requests over the limit with 429
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		if k == "" {
			k = c.ClientIP()
		}
		if l.Allow(k) {
			return
		}

		log.WithFields(logrus.Fields{
			"key":    k,
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).Warn("Rate limit exceeded")
		apierr.Public(c, http.StatusTooManyRequests, apierr.ErrRateLimited)
	}
}
