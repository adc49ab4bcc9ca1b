package obs

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "obs_request_id"
	userIDKey    ctxKey = "obs_user_id"
)

// WithRequestID attaches the request identifier used by logs and audit events.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithUserID attaches the authenticated user id for log enrichment.
func WithUserID(ctx context.Context, userID string) context.Context {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id or "".
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

// Ctx returns the shared logger enriched with request_id and user_id when present.
func Ctx(ctx context.Context) *zerolog.Logger {
	l := Logger().With()
	if rid := RequestIDFromContext(ctx); rid != "" {
		l = l.Str("request_id", rid)
	}
	if uid := UserIDFromContext(ctx); uid != "" {
		l = l.Str("user_id", uid)
	}
	out := l.Logger()
	return &out
}
