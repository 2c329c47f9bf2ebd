package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/radiusdt/vector-attribution/internal/config"
	"go.uber.org/zap"
)

type contextKey string

const scopeContextKey contextKey = "auth_scope"

const (
	// AuthHeaderName carries the API key.
	AuthHeaderName = "X-API-Key"
	// AuthQueryParam is accepted for webhook senders that cannot set headers.
	AuthQueryParam = "api_key"
)

// Scope is what an API key may reach.
type Scope string

const (
	// ScopeAdmin is the master key: every route.
	ScopeAdmin Scope = "admin"
	// ScopeIngest keys are handed to event sources and only reach /ingest/.
	ScopeIngest Scope = "ingest"
)

// AuthMiddleware checks API keys. The master key opens every route; ingest
// keys open only the ingestion endpoints.
type AuthMiddleware struct {
	master     []byte
	ingestKeys [][]byte
	skip       []string
	enabled    bool
	logger     *zap.Logger
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AuthMiddleware{
		master:  []byte(cfg.MasterKey),
		skip:    cfg.SkipPaths,
		enabled: cfg.Enabled,
		logger:  logger,
	}
	for _, k := range cfg.IngestKeys {
		if k != "" {
			a.ingestKeys = append(a.ingestKeys, []byte(k))
		}
	}
	return a
}

func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || matchesPrefix(r.URL.Path, a.skip) {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(AuthHeaderName)
		if key == "" {
			key = r.URL.Query().Get(AuthQueryParam)
		}
		if key == "" {
			a.unauthorized(w, http.StatusUnauthorized, "missing API key")
			return
		}

		scope, ok := a.scopeOf(key)
		if !ok {
			a.logger.Warn("rejected API key",
				zap.String("path", r.URL.Path),
				zap.String("client_ip", ClientIP(r)),
			)
			a.unauthorized(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		if scope == ScopeIngest && !strings.HasPrefix(r.URL.Path, "/ingest/") {
			a.unauthorized(w, http.StatusForbidden, "key is limited to ingestion")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeContextKey, scope)))
	})
}

// scopeOf compares in constant time. An empty master key matches nothing.
func (a *AuthMiddleware) scopeOf(key string) (Scope, bool) {
	k := []byte(key)
	if len(a.master) > 0 && subtle.ConstantTimeCompare(k, a.master) == 1 {
		return ScopeAdmin, true
	}
	for _, ik := range a.ingestKeys {
		if subtle.ConstantTimeCompare(k, ik) == 1 {
			return ScopeIngest, true
		}
	}
	return "", false
}

func (a *AuthMiddleware) unauthorized(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "ApiKey")
	}
	w.WriteHeader(code)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

// ScopeFrom returns the scope of the authenticated key, or "" when the route
// was not authenticated.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeContextKey).(Scope)
	return s
}

// matchesPrefix matches whole path segments, so "/health" covers
// "/health/ttfv" but not "/healthz".
func matchesPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}
