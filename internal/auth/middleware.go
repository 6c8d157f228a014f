package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Info describes how a request was authenticated. Project is set only for
// API-key requests and is always a slug.
type Info struct {
	Mode      Mode
	Project   string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// Middleware admits loopback callers when the keyring allows it and
// otherwise requires "Authorization: Bearer <key>" naming a known key. The
// outcome is attached to the request context for project scoping.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	logger := slog.Default().With("component", "auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var info Info
			if ring.AllowLocalhostWithoutAuth && isLocalRequest(r) {
				info = Info{Mode: ModeLocalhost, Localhost: true}
			} else {
				key, ok := bearerToken(r)
				if !ok {
					writeUnauthorized(w, "missing bearer token")
					return
				}
				project, ok := ring.ProjectForKey(key)
				if !ok {
					logger.Debug("unknown api key", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
					writeUnauthorized(w, "unknown api key")
					return
				}
				info = Info{Mode: ModeAPIKey, Project: project}
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, info)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// writeUnauthorized uses the same error body shape as the API handlers.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="interlock"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": msg})
}

// isLocalRequest trusts the first X-Forwarded-For hop when present, so a
// local reverse proxy does not make every caller look local.
func isLocalRequest(r *http.Request) bool {
	host := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		host = strings.TrimSpace(first)
	} else if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	return ip != nil && ip.IsLoopback()
}
