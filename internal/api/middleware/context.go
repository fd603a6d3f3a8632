// Package middleware holds the HTTP middleware stack: request logging,
// metrics, tracing, and bearer authentication.
package middleware

import (
	"context"
	"net"
	"net/http"

	"github.com/waddleai/waddleai/internal/rbac"
)

type ctxKey int

const userKey ctxKey = iota

// SetUser attaches the authenticated principal to the context.
func SetUser(ctx context.Context, uc *rbac.UserContext) context.Context {
	return context.WithValue(ctx, userKey, uc)
}

// GetUser returns the authenticated principal, or nil for anonymous
// requests.
func GetUser(ctx context.Context) *rbac.UserContext {
	uc, _ := ctx.Value(userKey).(*rbac.UserContext)
	return uc
}

// ClientIP returns the caller's address without the port. RealIP middleware
// has already folded X-Forwarded-For into RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
