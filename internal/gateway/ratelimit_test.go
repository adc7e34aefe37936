package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/stackrun/internal/gateway"
)

func submitThrough(t *testing.T, h http.Handler, token, remote string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/echo/runs", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimit_BucketPerKeyAndEviction(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(gateway.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	if code := submitThrough(t, h, "alpha", "10.0.0.1:1234"); code != http.StatusAccepted {
		t.Fatalf("alpha first = %d", code)
	}
	if code := submitThrough(t, h, "alpha", "10.0.0.2:1234"); code != http.StatusTooManyRequests {
		t.Fatalf("alpha second = %d, want 429", code)
	}
	// Without a token the remote host is the key, port ignored.
	if code := submitThrough(t, h, "", "10.0.0.3:1"); code != http.StatusAccepted {
		t.Fatalf("anonymous first = %d", code)
	}
	if code := submitThrough(t, h, "", "10.0.0.3:2"); code != http.StatusTooManyRequests {
		t.Fatalf("anonymous second = %d, want 429", code)
	}
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("buckets = %d, want 2", n)
	}

	rl.EvictStale(time.Hour)
	if n := rl.BucketCount(); n != 2 {
		t.Fatalf("buckets after fresh sweep = %d, want 2", n)
	}
	rl.EvictStale(-time.Second)
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("buckets after eviction = %d, want 0", n)
	}
	if code := submitThrough(t, h, "alpha", "10.0.0.1:1234"); code != http.StatusAccepted {
		t.Fatalf("alpha after eviction = %d", code)
	}
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(gateway.RateLimitConfig{Enabled: false, BurstSize: 1})
	h := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	for i := 0; i < 3; i++ {
		if code := submitThrough(t, h, "alpha", "10.0.0.1:1"); code != http.StatusAccepted {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	if n := rl.BucketCount(); n != 0 {
		t.Fatalf("buckets = %d, want 0", n)
	}
}
