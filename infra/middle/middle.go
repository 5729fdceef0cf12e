// Package middle holds the HTTP middleware stack: API key auth, idempotent
// replay, rate limiting, security headers, request validation, panic
// recovery and request logging.
package middle

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	merchantIDKey contextKey = "merchant_id"
	accountIDKey  contextKey = "account_id"
)

// GetMerchantID returns the authenticated merchant ID from the request
// context, or "" when the request is unauthenticated.
func GetMerchantID(ctx context.Context) string {
	if id, ok := ctx.Value(merchantIDKey).(string); ok {
		return id
	}
	return ""
}

// GetAccountID returns the authenticated account ID from the request
// context, or "" when the request is unauthenticated.
func GetAccountID(ctx context.Context) string {
	if id, ok := ctx.Value(accountIDKey).(string); ok {
		return id
	}
	return ""
}

// WithMerchant returns a context carrying the authenticated identity. Used
// by the auth middleware and by handler tests.
func WithMerchant(ctx context.Context, merchantID, accountID string) context.Context {
	ctx = context.WithValue(ctx, merchantIDKey, merchantID)
	return context.WithValue(ctx, accountIDKey, accountID)
}

// GetClientIP extracts the real client IP
func GetClientIP(r *http.Request) string {
	// Check X-Forwarded-For header
	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		// Take the first IP in case of multiple
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// Fall back to RemoteAddr
	remoteAddr := r.RemoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		ip := remoteAddr[:idx]
		// Handle IPv6 localhost addresses
		if ip == "[::1]" {
			return "127.0.0.1"
		}
		return ip
	}

	if remoteAddr == "[::1]" {
		return "127.0.0.1"
	}

	return remoteAddr
}
