package handler

import (
	"context"
	"errors"
	"time"
)

// contextKey is a custom type to prevent context key collisions.
type contextKey string

const (
	ctxKeyRequestID contextKey = "request_id"
	ctxKeyTenantID  contextKey = "tenant_id"
	ctxKeyStartTime contextKey = "start_time"
)

// ErrNoAmbientContext indicates the runtime-carried values were absent
// where the handler expected them.
var ErrNoAmbientContext = errors.New("handler: no ambient request context")

// WithAmbient establishes the minimal ambient scope the implicit variant
// relies on. The runtime (context.Context here) carries these values
// through every downstream call and goroutine without manual threading.
func WithAmbient(ctx context.Context, requestID, tenantID string, start time.Time) context.Context {
	ctx = context.WithValue(ctx, ctxKeyRequestID, requestID)
	ctx = context.WithValue(ctx, ctxKeyTenantID, tenantID)
	return context.WithValue(ctx, ctxKeyStartTime, start)
}

// AmbientFrom extracts the ambient scope.
func AmbientFrom(ctx context.Context) (requestID, tenantID string, start time.Time, err error) {
	requestID, ok := ctx.Value(ctxKeyRequestID).(string)
	if !ok || requestID == "" {
		return "", "", time.Time{}, ErrNoAmbientContext
	}
	tenantID, ok = ctx.Value(ctxKeyTenantID).(string)
	if !ok || tenantID == "" {
		return "", "", time.Time{}, ErrNoAmbientContext
	}
	start, ok = ctx.Value(ctxKeyStartTime).(time.Time)
	if !ok {
		return "", "", time.Time{}, ErrNoAmbientContext
	}
	return requestID, tenantID, start, nil
}
