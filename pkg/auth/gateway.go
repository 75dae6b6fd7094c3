package auth

import (
	"net"
	"net/http"
	"strings"

	"branchdb/pkg/logger"
	"branchdb/pkg/telemetry"
	"branchdb/pkg/utils"
)

var corsAllowHeaders = strings.Join([]string{
	"Authorization", "Content-Type", "X-API-Key", "X-User-ID", "X-User-Signature",
}, ",")

// AuthenticateRequestMiddleware gates every request on an API key: it
// resolves the caller's role from the key, applies CORS and the IP
// whitelist, enforces frontend route scoping and per-key rate limits, and
// stamps X-Role-Name for downstream handlers. Probe endpoints pass through
// unauthenticated.
func AuthenticateRequestMiddleware(cfg SecConfig) func(http.Handler) http.Handler {
	limiters := newLimiterPool(cfg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.LogRequest(r)

			if origin := r.Header.Get("Origin"); origin != "" && cfg.originAllowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,PATCH,OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Expose-Headers", "X-Role-Name")
				h.Set("Access-Control-Max-Age", "600")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if len(cfg.IPWhitelist) > 0 {
				ip := clientIP(r)
				if !cfg.ipAllowed(ip) {
					logger.Warn("request_blocked", "reason", "ip_not_whitelisted", "ip", ip, "path", r.URL.Path)
					utils.JSONError(w, http.StatusForbidden, "forbidden")
					return
				}
			}

			end := telemetry.StartSpan(r.Context(), "auth.authenticate")
			role, key := cfg.resolveKey(r)
			end()

			if isProbePath(r) {
				r.Header.Set("X-Role-Name", "unauth")
				next.ServeHTTP(w, r)
				return
			}

			if role == RoleUnauth {
				logger.Warn("request_unauthorized", "path", r.URL.Path, "remote", r.RemoteAddr)
				utils.JSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			r.Header.Set("X-Role-Name", role.String())

			if role == RoleFrontend && !frontendScoped(r.URL.Path) {
				logger.Warn("request_forbidden", "reason", "frontend_not_allowed", "path", r.URL.Path)
				utils.JSONError(w, http.StatusForbidden, "forbidden")
				return
			}

			end = telemetry.StartSpan(r.Context(), "auth.rate_limit")
			allowed := limiters.Allow(key)
			end()
			if !allowed {
				logger.Warn("rate_limited", "role", role.String(), "path", r.URL.Path)
				utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			logger.Info("request_allowed", "method", r.Method, "path", r.URL.Path, "role", role.String())
			next.ServeHTTP(w, r)
		})
	}
}

// resolveKey extracts the API key (Authorization bearer first, X-API-Key
// fallback) and maps it to a role. Unauthenticated callers are keyed by
// client IP so the rate limiter still has a bucket for them.
func (cfg SecConfig) resolveKey(r *http.Request) (Role, string) {
	key := bearerToken(r)
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}
	if key == "" {
		return RoleUnauth, clientIP(r)
	}
	switch {
	case contains(cfg.AdminKeys, key):
		return RoleAdmin, key
	case contains(cfg.BackendKeys, key):
		return RoleBackend, key
	case contains(cfg.FrontendKeys, key):
		return RoleFrontend, key
	}
	return RoleUnauth, key
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func contains(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

func (cfg SecConfig) originAllowed(origin string) bool {
	for _, a := range cfg.AllowedOrigins {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func (cfg SecConfig) ipAllowed(ip string) bool {
	for _, w := range cfg.IPWhitelist {
		if ip == w {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isProbePath(r *http.Request) bool {
	return r.Method == http.MethodGet && (r.URL.Path == "/healthz" || r.URL.Path == "/readyz")
}

// frontendScoped limits frontend keys to the conversation surface: the
// collection and everything nested under it (messages, tree, path,
// branches, events). Admin and sign endpoints need backend keys.
func frontendScoped(path string) bool {
	return strings.HasPrefix(path, "/v1/conversations")
}
