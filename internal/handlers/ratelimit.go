package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/example/miniminds/internal/auth"
)

// RateLimiterConfig bounds how often one subject may start an analysis.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	Burst             int
	CleanupInterval   time.Duration
	IdleTimeout       time.Duration
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per subject.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	config   RateLimiterConfig
}

// NewRateLimiter builds a limiter store. A non-positive rate disables limiting.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}
	return &RateLimiter{limiters: make(map[string]*limiterEntry), config: cfg}
}

// Allow consumes a token for key.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil || r.config.RequestsPerSecond <= 0 {
		return true
	}
	r.mu.Lock()
	entry, ok := r.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(r.config.RequestsPerSecond), r.config.Burst)}
		r.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	r.mu.Unlock()
	return entry.limiter.Allow()
}

// Cleanup drops limiters not used within the idle timeout.
func (r *RateLimiter) Cleanup() {
	cutoff := time.Now().Add(-r.config.IdleTimeout)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
		}
	}
}

// Run cleans up periodically until stop is closed.
func (r *RateLimiter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.Cleanup()
		}
	}
}

// Middleware rejects requests from a subject over its budget with 429.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := auth.Subject(c.Request.Context())
		if !ok {
			key = c.ClientIP()
		}
		if !r.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many analysis requests"})
			return
		}
		c.Next()
	}
}
