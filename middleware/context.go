package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Context key type to avoid collisions
type contextKey string

// SessionIDKey is the context key for the MCP session ID
const SessionIDKey contextKey = "session_id"

// GetRequestIDFromContext retrieves the HTTP request ID assigned by chi's
// RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetSessionIDFromContext retrieves the MCP session ID from context
func GetSessionIDFromContext(ctx context.Context) string {
	if val := ctx.Value(SessionIDKey); val != nil {
		if sessionID, ok := val.(string); ok {
			return sessionID
		}
	}
	return ""
}

// WithSessionID adds an MCP session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// LogFields returns the identifiers carried by ctx as zap fields
func LogFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if id := GetRequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("http_request_id", id))
	}
	if id := GetSessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session_id", id))
	}
	return fields
}
