package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter reports whether a keyed request may proceed
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Reset(ctx context.Context, key string) error
}

// KeyedLimiter keeps one token bucket per key. Buckets idle for more than an
// hour are evicted so the map does not grow with every client ever seen.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*keyedBucket
	limit   rate.Limit
	burst   int
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter creates a limiter allowing requestsPerMinute per key
func NewKeyedLimiter(requestsPerMinute int) *KeyedLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	l := &KeyedLimiter{
		buckets: make(map[string]*keyedBucket),
		limit:   rate.Every(time.Minute / time.Duration(requestsPerMinute)),
		burst:   requestsPerMinute,
	}
	go l.evictIdle()
	return l
}

// Allow consumes one token for the key
func (l *KeyedLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &keyedBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow(), nil
}

// Reset drops the bucket for a key, restoring its full burst
func (l *KeyedLimiter) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return nil
}

func (l *KeyedLimiter) evictIdle() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-time.Hour)
		l.mu.Lock()
		for key, b := range l.buckets {
			if b.lastSeen.Before(cutoff) {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}

// IPRateLimiter limits requests per client IP
type IPRateLimiter struct {
	limiter *KeyedLimiter
}

// NewIPRateLimiter creates a per-IP limiter
func NewIPRateLimiter(requestsPerMinute int) *IPRateLimiter {
	return &IPRateLimiter{limiter: NewKeyedLimiter(requestsPerMinute)}
}

// Allow checks whether a request from the IP is within budget
func (l *IPRateLimiter) Allow(ctx context.Context, ip string) (bool, error) {
	return l.limiter.Allow(ctx, "ip:"+ip)
}

// UserRateLimiter limits requests per authenticated user
type UserRateLimiter struct {
	limiter *KeyedLimiter
}

// NewUserRateLimiter creates a per-user limiter
func NewUserRateLimiter(requestsPerMinute int) *UserRateLimiter {
	return &UserRateLimiter{limiter: NewKeyedLimiter(requestsPerMinute)}
}

// Allow checks whether a request from the user is within budget
func (l *UserRateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	return l.limiter.Allow(ctx, "user:"+userID)
}
