// Package common carries request-scoped metadata through contexts. The
// authenticated user lives in pkg/auth; this package holds everything else a
// request drags along.
package common

import (
	"context"
	"time"
)

type contextKey int

const (
	keySessionID contextKey = iota
	keyRequestID
	keyStartTime
)

// WithSessionID attaches the caller's checkout session id to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, keySessionID, sessionID)
}

// GetSessionID extracts the checkout session id from the context
func GetSessionID(ctx context.Context) (string, bool) {
	sessionID, ok := ctx.Value(keySessionID).(string)
	return sessionID, ok && sessionID != ""
}

// WithRequestID attaches the request id to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// GetRequestID extracts the request id from the context
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(keyRequestID).(string)
	return requestID, ok && requestID != ""
}

// WithStartTime records when request handling began
func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, keyStartTime, startTime)
}

// Elapsed returns how long the request has been in flight, zero when the
// start time was never recorded
func Elapsed(ctx context.Context) time.Duration {
	if start, ok := ctx.Value(keyStartTime).(time.Time); ok {
		return time.Since(start)
	}
	return 0
}
