package auth

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// PersistentRateLimiter implements rate limiting with Badger as the state
// store, so limits survive process restarts. Fixed-window counters keyed by
// (prefix, key, window start), expired via Badger TTL.
type PersistentRateLimiter struct {
	db        *badger.DB
	limit     int
	window    time.Duration
	keyPrefix string
}

// NewPersistentIPRateLimiter creates a restart-surviving limiter for IPs
func NewPersistentIPRateLimiter(db *badger.DB, requestsPerMinute int) *PersistentRateLimiter {
	return &PersistentRateLimiter{
		db:        db,
		limit:     requestsPerMinute,
		window:    time.Minute,
		keyPrefix: "ip",
	}
}

// NewPersistentUserRateLimiter creates a restart-surviving limiter for users
func NewPersistentUserRateLimiter(db *badger.DB, requestsPerMinute int) *PersistentRateLimiter {
	return &PersistentRateLimiter{
		db:        db,
		limit:     requestsPerMinute,
		window:    time.Minute,
		keyPrefix: "user",
	}
}

// NewPersistentRateLimiter creates a generic persistent rate limiter
func NewPersistentRateLimiter(db *badger.DB, limit int, window time.Duration, keyPrefix string) *PersistentRateLimiter {
	return &PersistentRateLimiter{
		db:        db,
		limit:     limit,
		window:    window,
		keyPrefix: keyPrefix,
	}
}

func (r *PersistentRateLimiter) windowKey(key string, now time.Time) []byte {
	windowStart := now.Truncate(r.window)
	return []byte(fmt.Sprintf("ratelimit/%s/%s/%d", r.keyPrefix, key, windowStart.Unix()))
}

// Allow atomically increments the window counter and reports whether the
// request is under the limit. Storage errors fail open so a broken limiter
// never blocks legitimate traffic.
func (r *PersistentRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.db == nil {
		// No store configured; useful for local development
		return true, nil
	}

	now := time.Now()
	wk := r.windowKey(key, now)
	ttl := r.window + time.Hour

	allowed := true
	err := r.db.Update(func(txn *badger.Txn) error {
		var count uint64
		item, err := txn.Get(wk)
		if err == nil {
			err = item.Value(func(v []byte) error {
				if len(v) == 8 {
					count = binary.BigEndian.Uint64(v)
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if count >= uint64(r.limit) {
			allowed = false
			return nil
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, count+1)
		entry := badger.NewEntry(wk, buf).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return true, fmt.Errorf("rate limiter error (failing open): %w", err)
	}

	return allowed, nil
}

// GetRemaining returns requests left in the current window and when it resets
func (r *PersistentRateLimiter) GetRemaining(ctx context.Context, key string) (int, time.Duration, error) {
	now := time.Now()
	windowEnd := now.Truncate(r.window).Add(r.window)

	if r.db == nil {
		return r.limit, time.Until(windowEnd), nil
	}

	var count uint64
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.windowKey(key, now))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			if len(v) == 8 {
				count = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return r.limit, time.Until(windowEnd), err
	}

	remaining := r.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, time.Until(windowEnd), nil
}

// Reset clears the current window for a key
func (r *PersistentRateLimiter) Reset(ctx context.Context, key string) error {
	if r.db == nil {
		return nil
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(r.windowKey(key, time.Now()))
	})
}

// GetLimit returns the configured rate limit
func (r *PersistentRateLimiter) GetLimit() int {
	return r.limit
}

// GetWindow returns the configured time window
func (r *PersistentRateLimiter) GetWindow() time.Duration {
	return r.window
}

// SetHeaders adds rate limit headers to an HTTP response
func (r *PersistentRateLimiter) SetHeaders(ctx context.Context, key string, headers map[string]string) error {
	remaining, resetIn, err := r.GetRemaining(ctx, key)
	if err != nil {
		return err
	}

	headers["X-RateLimit-Limit"] = fmt.Sprintf("%d", r.limit)
	headers["X-RateLimit-Remaining"] = fmt.Sprintf("%d", remaining)
	headers["X-RateLimit-Reset"] = fmt.Sprintf("%d", time.Now().Add(resetIn).Unix())

	return nil
}
