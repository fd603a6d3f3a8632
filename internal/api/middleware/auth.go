package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/waddleai/waddleai/internal/metrics"
	"github.com/waddleai/waddleai/internal/rbac"
)

// Auth authenticates bearer credentials (API keys and session tokens) and
// stores the resulting principal in the request context. Everything except
// the public paths requires a credential.
type Auth struct {
	authenticator *rbac.Authenticator
	metrics       *metrics.Metrics
}

func NewAuth(a *rbac.Authenticator, m *metrics.Metrics) *Auth {
	return &Auth{authenticator: a, metrics: m}
}

// Handler returns the authentication middleware.
func (am *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		authType := "jwt"
		if strings.HasPrefix(token, "wa-") {
			authType = "api_key"
		}

		uc, err := am.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			am.metrics.AuthAttemptsTotal.WithLabelValues(authType, "failure").Inc()
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="waddleai"`)
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{
				"error":   "authentication_failed",
				"message": "invalid or missing credentials",
			})
			return
		}
		am.metrics.AuthAttemptsTotal.WithLabelValues(authType, "success").Inc()

		next.ServeHTTP(w, r.WithContext(SetUser(r.Context(), uc)))
	})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return h
}

// isPublicPath returns true for paths that skip authentication.
func isPublicPath(path string) bool {
	switch path {
	case "/healthz", "/metrics", "/version", "/v1/auth/login":
		return true
	}
	return false
}
