package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// AuditContextKey types the context keys for audit attribution values.
type AuditContextKey string

const (
	// ClientIPKey carries the resolved client IP.
	ClientIPKey AuditContextKey = "client_ip"
	// UserAgentKey carries the client User-Agent.
	UserAgentKey AuditContextKey = "user_agent"
)

// AuditContext stashes the client IP and User-Agent in the request context.
// Every audit log row written for a signing or provisioning operation pulls
// its attribution from here, so the service layer never touches the request.
func AuditContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ip := getClientIP(r); ip != "" {
			ctx = context.WithValue(ctx, ClientIPKey, ip)
		}
		if ua := r.Header.Get("User-Agent"); ua != "" {
			ctx = context.WithValue(ctx, UserAgentKey, ua)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// getClientIP resolves the originating client address. The service runs
// behind a load balancer in every deployed configuration, so the forwarding
// headers are consulted first; only syntactically valid addresses are
// accepted from them.
func getClientIP(r *http.Request) string {
	// First hop of X-Forwarded-For is the original client.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
		if net.ParseIP(first) != nil {
			return first
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	// RemoteAddr without a port, as httptest and some proxies produce.
	if net.ParseIP(r.RemoteAddr) != nil {
		return r.RemoteAddr
	}
	return ""
}

// GetClientIP returns the audit client IP, or nil when none was captured.
func GetClientIP(ctx context.Context) *string {
	if ip, ok := ctx.Value(ClientIPKey).(string); ok {
		return &ip
	}
	return nil
}

// GetUserAgent returns the audit User-Agent, or nil when none was captured.
func GetUserAgent(ctx context.Context) *string {
	if ua, ok := ctx.Value(UserAgentKey).(string); ok {
		return &ua
	}
	return nil
}
