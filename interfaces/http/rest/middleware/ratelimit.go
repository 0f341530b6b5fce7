package middleware

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Limiter reports whether a keyed request fits in the current window
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit enforces a per-IP request budget before any other work happens.
// Limiter errors fail open: a broken counter store must not take the API
// down with it.
func RateLimit(limiter Limiter, logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), getClientIP(r))
			if err != nil {
				logger.Warn("rate limiter unavailable, failing open",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				respondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
