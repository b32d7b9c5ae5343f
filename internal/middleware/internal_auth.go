package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// SecretHeader carries the shared secret on internal calls.
const SecretHeader = "X-Internal-Secret"

// InternalAuth guards operator endpoints with a shared secret. With no secret
// configured only loopback callers are let through.
type InternalAuth struct {
	Secret string
	Log    zerolog.Logger
}

func NewInternalAuth(secret string, log zerolog.Logger) *InternalAuth {
	return &InternalAuth{Secret: strings.TrimSpace(secret), Log: log}
}

func (a *InternalAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.allowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		a.Log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("internal_auth_denied")
		a.respondForbidden(w)
	})
}

func (a *InternalAuth) allowed(r *http.Request) bool {
	if a.Secret == "" {
		return isLoopback(r.RemoteAddr)
	}
	got := strings.TrimSpace(r.Header.Get(SecretHeader))
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.Secret)) == 1
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func (a *InternalAuth) respondForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "forbidden",
		"message": "missing or invalid " + SecretHeader,
	})
}
