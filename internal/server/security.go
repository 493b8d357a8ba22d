package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

// Security provides per-client rate limiting and request validation.
type Security struct {
	rateLimiter *RateLimiter
	validator   *InputValidator
}

// NewSecurity creates a new security handler. A zero limit disables rate limiting.
func NewSecurity(ctx context.Context, limit float64, burst int) *Security {
	s := &Security{
		validator: NewInputValidator(),
	}
	if limit > 0 {
		s.rateLimiter = NewRateLimiter(ctx, rate.Limit(limit), burst, time.Minute)
	}
	return s
}

// CheckRateLimit checks if the request is within rate limits.
func (s *Security) CheckRateLimit(ip string) bool {
	if s.rateLimiter == nil {
		return true
	}
	return s.rateLimiter.Allow(ip)
}

// ValidateQuery checks the size of an encrypted query body.
func (s *Security) ValidateQuery(body []byte) error {
	return s.validator.ValidateQuery(body)
}

// RateLimiter keeps a token bucket per client address.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	idle     time.Duration
	limiters map[string]*clientLimiter
	mu       sync.Mutex
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter. Buckets unused for idle are dropped until ctx is
// done.
func NewRateLimiter(ctx context.Context, limit rate.Limit, burst int, idle time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limit:    limit,
		burst:    burst,
		idle:     idle,
		limiters: make(map[string]*clientLimiter),
	}

	go rl.cleanup(ctx)

	return rl
}

// Allow checks if a request from the given key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.limiters[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = c
	}
	c.lastSeen = time.Now()

	return c.limiter.Allow()
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evict(time.Now().Add(-rl.idle))
		}
	}
}

func (rl *RateLimiter) evict(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, c := range rl.limiters {
		if c.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// InputValidator validates encrypted query bodies before any decryption work.
type InputValidator struct {
	minQuerySize int
	maxQuerySize int
}

// NewInputValidator creates a new input validator.
func NewInputValidator() *InputValidator {
	return &InputValidator{
		// type, two length prefixes and at least one payload byte
		minQuerySize: 6,
		maxQuerySize: odoh.MaxMessageSize,
	}
}

// ValidateQuery validates an incoming encrypted query.
func (v *InputValidator) ValidateQuery(data []byte) error {
	if len(data) > v.maxQuerySize {
		return &ValidationError{Message: "query too large", TooLarge: true}
	}

	if len(data) < v.minQuerySize {
		return &ValidationError{Message: "query too small"}
	}

	return nil
}

// ValidationError represents a validation error.
type ValidationError struct {
	Message  string
	TooLarge bool
}

func (e *ValidationError) Error() string {
	return e.Message
}
