package logger

import (
	"net/http"
	"sort"
	"strings"
)

// Credential-bearing headers are logged as <redacted>.
func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "x-api-key", "x-user-signature":
		return true
	}
	return false
}

// SafeHeaders renders request headers as a single sorted "k=v; k=v" string
// with credential values redacted. Only the first value per header is kept.
func SafeHeaders(r *http.Request) string {
	parts := make([]string, 0, len(r.Header))
	for name, vals := range r.Header {
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		if v != "" && isSensitiveHeader(name) {
			v = "<redacted>"
		}
		parts = append(parts, name+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}

// LogRequest logs a concise, safe summary of an incoming request.
func LogRequest(r *http.Request) {
	if Log == nil {
		return
	}
	Log.Info("incoming_request",
		"method", r.Method,
		"path", r.URL.Path,
		"remote", r.RemoteAddr,
		"headers", SafeHeaders(r),
	)
}
