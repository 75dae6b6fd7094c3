package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"branchdb/pkg/config"
)

func signFor(key, userID string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

func setSigningKeys(t *testing.T, keys ...string) {
	t.Helper()
	m := map[string]struct{}{}
	for _, k := range keys {
		m[k] = struct{}{}
	}
	config.SetRuntime(&config.RuntimeConfig{BackendKeys: m, SigningKeys: m})
	t.Cleanup(func() { config.SetRuntime(nil) })
}

func TestRequireSignedAuthor_ValidSignature(t *testing.T) {
	setSigningKeys(t, "secret1")
	var gotAuthor string
	h := RequireSignedAuthor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthor = AuthorIDFromContext(r.Context())
	}))
	r := httptest.NewRequest("GET", "/v1/conversations", nil)
	r.Header.Set("X-Role-Name", "frontend")
	r.Header.Set("X-User-ID", "alice")
	r.Header.Set("X-User-Signature", signFor("secret1", "alice"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", w.Code)
	}
	if gotAuthor != "alice" {
		t.Fatalf("expected author alice got %q", gotAuthor)
	}
}

func TestRequireSignedAuthor_InvalidSignature(t *testing.T) {
	setSigningKeys(t, "secret1")
	h := RequireSignedAuthor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("handler should not be reached")
	}))
	r := httptest.NewRequest("GET", "/v1/conversations", nil)
	r.Header.Set("X-Role-Name", "frontend")
	r.Header.Set("X-User-ID", "alice")
	r.Header.Set("X-User-Signature", "deadbeef")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", w.Code)
	}
}

func TestRequireSignedAuthor_BackendBypass(t *testing.T) {
	setSigningKeys(t, "secret1")
	called := false
	h := RequireSignedAuthor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	r := httptest.NewRequest("POST", "/v1/messages", nil)
	r.Header.Set("X-Role-Name", "backend")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if !called {
		t.Fatalf("backend without signature should pass through")
	}
}

func TestResolveAuthorFromRequest_SignatureConflicts(t *testing.T) {
	setSigningKeys(t, "secret1")
	var status int
	h := RequireSignedAuthor(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, code, _ := ResolveAuthorFromRequest(r, "mallory")
		status = code
	}))
	r := httptest.NewRequest("GET", "/v1/conversations", nil)
	r.Header.Set("X-Role-Name", "frontend")
	r.Header.Set("X-User-ID", "alice")
	r.Header.Set("X-User-Signature", signFor("secret1", "alice"))
	h.ServeHTTP(httptest.NewRecorder(), r)
	if status != http.StatusForbidden {
		t.Fatalf("conflicting body author should be 403, got %d", status)
	}
}

func TestResolveAuthorFromRequest_BackendSources(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/messages?author=qa", nil)
	r.Header.Set("X-Role-Name", "backend")
	id, code, msg := ResolveAuthorFromRequest(r, "")
	if code != 0 || id != "qa" {
		t.Fatalf("expected query author qa, got id=%q code=%d msg=%q", id, code, msg)
	}

	r2 := httptest.NewRequest("POST", "/v1/messages", nil)
	r2.Header.Set("X-Role-Name", "backend")
	if _, code, _ := ResolveAuthorFromRequest(r2, ""); code != http.StatusBadRequest {
		t.Fatalf("backend without author should be 400, got %d", code)
	}

	r3 := httptest.NewRequest("POST", "/v1/messages", nil)
	r3.Header.Set("X-Role-Name", "frontend")
	if _, code, _ := ResolveAuthorFromRequest(r3, ""); code != http.StatusUnauthorized {
		t.Fatalf("frontend without signature should be 401, got %d", code)
	}
}

func TestGateway_RolesAndScope(t *testing.T) {
	cfg := SecConfig{
		BackendKeys:  map[string]struct{}{"bk": {}},
		FrontendKeys: map[string]struct{}{"fk": {}},
		AdminKeys:    map[string]struct{}{"ak": {}},
		RPS:          100,
		Burst:        100,
	}
	var seenRole string
	h := AuthenticateRequestMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenRole = r.Header.Get("X-Role-Name")
	}))

	// no key at all
	r := httptest.NewRequest("GET", "/v1/conversations", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unauthenticated, got %d", w.Code)
	}

	// healthz passes without a key
	r = httptest.NewRequest("GET", "/healthz", nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz should bypass auth, got %d", w.Code)
	}

	// backend key
	r = httptest.NewRequest("DELETE", "/v1/conversations/c_1", nil)
	r.Header.Set("Authorization", "Bearer bk")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK || seenRole != "backend" {
		t.Fatalf("backend key rejected: code=%d role=%q", w.Code, seenRole)
	}

	// frontend key scoped out of admin paths
	r = httptest.NewRequest("GET", "/admin/health", nil)
	r.Header.Set("X-API-Key", "fk")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("frontend key should not reach admin paths, got %d", w.Code)
	}

	// frontend key allowed on conversation apis
	r = httptest.NewRequest("GET", "/v1/conversations/c_1/tree", nil)
	r.Header.Set("X-API-Key", "fk")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK || seenRole != "frontend" {
		t.Fatalf("frontend key rejected on conversation api: code=%d role=%q", w.Code, seenRole)
	}
}

func TestGateway_RateLimit(t *testing.T) {
	cfg := SecConfig{
		BackendKeys: map[string]struct{}{"bk": {}},
		RPS:         1,
		Burst:       1,
	}
	h := AuthenticateRequestMiddleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	limited := false
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest("GET", "/v1/messages", nil)
		r.Header.Set("X-API-Key", "bk")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code == http.StatusTooManyRequests {
			limited = true
		}
	}
	if !limited {
		t.Fatalf("expected at least one rate limited response")
	}
}
