package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"branchdb/pkg/config"
	"branchdb/pkg/logger"
	"branchdb/pkg/utils"
)

// Role is the resolved caller role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleFrontend:
		return "frontend"
	case RoleBackend:
		return "backend"
	case RoleAdmin:
		return "admin"
	}
	return "unauth"
}

// SecConfig carries the security settings the middleware chain needs:
// key sets per role, CORS origins, IP whitelist and rate limits.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	IPWhitelist    []string
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

type ctxAuthorKey struct{}

// unscopedPaths never carry an author: probes, metrics and the docs surface.
func unscopedPath(path string) bool {
	switch path {
	case "/healthz", "/readyz", "/metrics", "/openapi.yaml":
		return true
	}
	return strings.HasPrefix(path, "/docs/")
}

// RequireSignedAuthor verifies the X-User-ID / X-User-Signature header pair
// and stores the verified author in the request context. Backend and admin
// callers may omit the signature; when they send one it is verified
// like any other. Frontend callers must always sign.
func RequireSignedAuthor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unscopedPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))
		trusted := privileged(r.Header.Get("X-Role-Name"))

		if sig == "" {
			if trusted {
				// handlers resolve the author from body/header/query
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}
		if userID == "" {
			logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}

		if !signatureValid(userID, sig) {
			logger.Warn("invalid_signature", "user", userID)
			utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}

		logger.Info("signature_verified", "user", userID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxAuthorKey{}, userID)))
	})
}

// signatureValid checks sig against HMAC-SHA256(userID) under every
// configured signing key.
func signatureValid(userID, sig string) bool {
	keys := config.GetSigningKeys()
	if len(keys) == 0 {
		logger.Error("no_signing_keys_configured")
		return false
	}
	for k := range keys {
		mac := hmac.New(sha256.New, []byte(k))
		mac.Write([]byte(userID))
		expected := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return true
		}
	}
	return false
}

func privileged(role string) bool {
	return role == "backend" || role == "admin"
}

// AuthorIDFromContext returns the signature-verified author id, or "".
func AuthorIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(ctxAuthorKey{}).(string)
	return s
}

func validAuthor(a string) (bool, string) {
	if a == "" {
		return false, "author required"
	}
	if len(a) > 128 {
		return false, "author too long"
	}
	return true, ""
}

// ResolveAuthorFromRequest is the canonical author resolver for handlers.
// A signature-verified author is authoritative: any conflicting author
// supplied via query, header or body is a 403. Without a signature,
// backend/admin callers may name the author through body, X-User-ID header
// or the author query param (in that order); everyone else gets a 401.
// Returns (author, 0, "") on success or ("", status, message) on failure.
func ResolveAuthorFromRequest(r *http.Request, bodyAuthor string) (string, int, string) {
	if id := AuthorIDFromContext(r.Context()); id != "" {
		for source, got := range map[string]string{
			"query":  strings.TrimSpace(r.URL.Query().Get("author")),
			"header": strings.TrimSpace(r.Header.Get("X-User-ID")),
			"body":   bodyAuthor,
		} {
			if got != "" && got != id {
				logger.Warn("author_mismatch_signature", "source", source, "signature", id, "got", got, "path", r.URL.Path)
				return "", http.StatusForbidden, "author mismatch between signature and " + source
			}
		}
		return id, 0, ""
	}

	if privileged(r.Header.Get("X-Role-Name")) {
		for _, candidate := range []string{
			bodyAuthor,
			strings.TrimSpace(r.Header.Get("X-User-ID")),
			strings.TrimSpace(r.URL.Query().Get("author")),
		} {
			if candidate == "" {
				continue
			}
			if ok, msg := validAuthor(candidate); !ok {
				logger.Warn("invalid_backend_author", "user", candidate, "path", r.URL.Path)
				return "", http.StatusBadRequest, msg
			}
			return candidate, 0, ""
		}
		logger.Warn("backend_missing_author", "remote", r.RemoteAddr, "path", r.URL.Path)
		return "", http.StatusBadRequest, "author required for backend requests"
	}

	logger.Warn("missing_author_signature", "remote", r.RemoteAddr, "path", r.URL.Path)
	return "", http.StatusUnauthorized, "missing or invalid author signature"
}
