// Package identity extracts per-request session identity and client keys.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// SessionHeaderName carries the session token on requests and responses.
	SessionHeaderName = "X-Session-Token"
	// SessionQueryParam is accepted where headers are awkward (WebSocket, downloads).
	SessionQueryParam = "session_token"
)

type contextKey int

const (
	sessionTokenKey contextKey = iota
	clientKey
)

var sessionTokenPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// SessionTokenFromContext returns the session token injected by Middleware,
// or "" when the request carried none.
func SessionTokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionTokenKey).(string); ok {
		return v
	}
	return ""
}

// ClientKeyFromContext returns the rate-limit key for the request.
func ClientKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionToken returns ctx carrying token.
func WithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionTokenKey, token)
}

func sanitizeSessionToken(token string) string {
	token = strings.TrimSpace(token)
	if token == "" || !sessionTokenPattern.MatchString(token) {
		return ""
	}
	return token
}

// SessionTokenFromRequest reads the token from the header or query string.
// Malformed tokens are treated as absent.
func SessionTokenFromRequest(r *http.Request) string {
	token := r.Header.Get(SessionHeaderName)
	if token == "" {
		token = r.URL.Query().Get(SessionQueryParam)
	}
	return sanitizeSessionToken(token)
}

// Middleware injects the session token and client key into the request context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithSessionToken(r.Context(), SessionTokenFromRequest(r))
			ctx = context.WithValue(ctx, clientKey, IPFromRequest(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP. Run after chi's RealIP so
// proxied requests resolve to the client address.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
