package middleware

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/covenant-wallet/covenant/pkg/errors"
)

// callerIdleEviction is how long a caller's bucket survives without traffic.
const callerIdleEviction = 3 * time.Minute

// RateLimiter throttles signing traffic per client IP. It sits in front of
// app authentication, so the key is the network origin, not the app: a
// misbehaving client cannot exhaust credential verification or the signing
// network even before it identifies itself.
type RateLimiter struct {
	mu      sync.RWMutex
	callers map[string]*caller

	rps     rate.Limit
	burst   int
	enabled bool
}

type caller struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter allowing rps sustained requests per caller
// with the given burst. A disabled limiter passes everything through.
func NewRateLimiter(rps int, burst int, enabled bool) *RateLimiter {
	rl := &RateLimiter{
		callers: make(map[string]*caller),
		rps:     rate.Limit(rps),
		burst:   burst,
		enabled: enabled,
	}
	if enabled {
		go rl.evictIdle()
	}
	return rl
}

// Limit rejects callers that exceed their token bucket. The response carries
// the same error shape the handlers produce, plus a Retry-After hint.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip := getClientIP(r)
		if !rl.bucketFor(ip).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(apperrors.New(
				apperrors.ErrCodeRateLimited, "Too many requests", http.StatusTooManyRequests))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) bucketFor(ip string) *rate.Limiter {
	rl.mu.RLock()
	c, ok := rl.callers[ip]
	rl.mu.RUnlock()
	if ok {
		rl.mu.Lock()
		c.lastSeen = time.Now()
		rl.mu.Unlock()
		return c.bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	// Lost the race to another request from the same IP.
	if c, ok := rl.callers[ip]; ok {
		c.lastSeen = time.Now()
		return c.bucket
	}
	c = &caller{bucket: rate.NewLimiter(rl.rps, rl.burst), lastSeen: time.Now()}
	rl.callers[ip] = c
	return c.bucket
}

// evictIdle drops buckets for callers that went quiet, bounding the map.
func (rl *RateLimiter) evictIdle() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-callerIdleEviction)
		rl.mu.Lock()
		for ip, c := range rl.callers {
			if c.lastSeen.Before(cutoff) {
				delete(rl.callers, ip)
			}
		}
		rl.mu.Unlock()
	}
}
