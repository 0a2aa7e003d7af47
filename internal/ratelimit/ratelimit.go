package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a principal's bucket has no tokens left.
// It is terminal for the request; the bucket refills on its own.
var ErrRateLimited = errors.New("rate limit exceeded")

// Class selects which bucket configuration applies to a principal.
type Class int

const (
	ClassUser Class = iota
	ClassAdmin
)

// ClassConfig is the token bucket shape for one principal class.
type ClassConfig struct {
	Capacity        int     // bucket capacity (burst)
	RefillPerMinute float64 // tokens added per minute
}

// Limiter gates requests per principal using a token bucket per principal.
// Buckets are created lazily on first admit and refill proportionally to
// elapsed wall-clock time, capped at capacity.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	classes map[Class]ClassConfig
}

func NewLimiter(user, admin ClassConfig) *Limiter {
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		classes: map[Class]ClassConfig{
			ClassUser:  user,
			ClassAdmin: admin,
		},
	}
}

// Admit consumes one token from the principal's bucket. It returns nil when
// the request is admitted and ErrRateLimited otherwise. Concurrent calls for
// the same principal serialize on the limiter's lock, so tokens cannot be
// double-spent.
func (l *Limiter) Admit(principal string, class Class) error {
	return l.AdmitAt(principal, class, time.Now())
}

// AdmitAt is Admit with an explicit timestamp. Refill is monotonic in the
// supplied time.
func (l *Limiter) AdmitAt(principal string, class Class, now time.Time) error {
	l.mu.Lock()
	bucket, ok := l.buckets[principal]
	if !ok {
		cfg, ok := l.classes[class]
		if !ok {
			cfg = l.classes[ClassUser]
		}
		bucket = rate.NewLimiter(rate.Limit(cfg.RefillPerMinute/60.0), cfg.Capacity)
		l.buckets[principal] = bucket
	}
	l.mu.Unlock()

	if !bucket.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Forget drops the principal's bucket. Used when a tenant is removed.
func (l *Limiter) Forget(principal string) {
	l.mu.Lock()
	delete(l.buckets, principal)
	l.mu.Unlock()
}
