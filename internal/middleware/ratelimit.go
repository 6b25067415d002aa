package middleware

import (
	"math"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/locolive/relay/internal/auth"
	"github.com/locolive/relay/pkg/response"
)

// RateLimiterConfig sets the per-user request budget
type RateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
	// CleanupInterval is how often idle limiters are evicted. Limiters idle
	// for twice this long are removed.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig allows 120 requests per minute per user
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 120,
		Burst:             120,
		CleanupInterval:   5 * time.Minute,
	}
}

type userLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per authenticated user
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	ttl    time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	limiters map[string]*userLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimiter starts a background loop evicting idle limiters. Call Stop to end it.
func NewRateLimiter(cfg RateLimiterConfig, logger *zap.Logger) *RateLimiter {
	d := DefaultRateLimiterConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = d.RequestsPerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = d.CleanupInterval
	}

	rl := &RateLimiter{
		limit:    rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:    cfg.Burst,
		ttl:      cfg.CleanupInterval * 2,
		logger:   logger,
		limiters: make(map[string]*userLimiter),
		stopCh:   make(chan struct{}),
	}

	go rl.cleanupLoop(cfg.CleanupInterval)

	return rl
}

func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Middleware rejects requests over budget with 429. It must run after
// AuthMiddleware; requests without an identity are passed through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.limiterFor(id.UserID).Allow() {
			rl.logger.Warn("rate limit exceeded", zap.String("user_id", id.UserID))
			response.TooManyRequests(w, int(math.Ceil(1.0/float64(rl.limit))))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LimiterCount is the number of users currently tracked
func (rl *RateLimiter) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) limiterFor(userID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if ul, ok := rl.limiters[userID]; ok {
		ul.lastAccess = time.Now()
		return ul.limiter
	}

	ul := &userLimiter{
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: time.Now(),
	}
	rl.limiters[userID] = ul
	return ul.limiter
}

func (rl *RateLimiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup(time.Now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for userID, ul := range rl.limiters {
		if now.Sub(ul.lastAccess) > rl.ttl {
			delete(rl.limiters, userID)
		}
	}
}
