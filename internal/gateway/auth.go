package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Reasons recorded on stackrun_http_auth_rejected_total.
const (
	authMissing = "missing"
	authInvalid = "invalid"
)

// requireToken guards the /v1 routes with a single shared token. An empty
// token disables the check. Preflight requests pass so CORS can answer them.
func requireToken(token string, rejected *prometheus.CounterVec, logger *slog.Logger) func(http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		want := []byte(token)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			got := requestToken(r)
			switch {
			case got == "":
				rejected.WithLabelValues(authMissing).Inc()
				w.Header().Set("WWW-Authenticate", `Bearer realm="stackrun"`)
				writeError(w, http.StatusUnauthorized, "missing API key")
			case subtle.ConstantTimeCompare([]byte(got), want) != 1:
				rejected.WithLabelValues(authInvalid).Inc()
				logger.WarnContext(r.Context(), "rejected API key", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, http.StatusForbidden, "invalid API key")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// requestToken reads the token from, in order, an Authorization bearer
// header, X-API-Key, or the api_key query parameter. Browsers cannot set
// headers on WebSocket or EventSource requests, hence the query fallback.
func requestToken(r *http.Request) string {
	if scheme, cred, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(cred)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
