package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestMiddlewareThrottlesPerIP(t *testing.T) {
	l := NewIPRateLimiter(rate.Limit(1), 2, time.Minute, nil)
	handler := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(remoteAddr string) int {
		r := httptest.NewRequest(http.MethodGet, "/login", nil)
		r.RemoteAddr = remoteAddr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w.Code
	}

	if code := send("10.0.0.1:1000"); code != http.StatusNoContent {
		t.Fatalf("first request = %d", code)
	}
	if code := send("10.0.0.1:1000"); code != http.StatusNoContent {
		t.Fatalf("second request = %d", code)
	}
	if code := send("10.0.0.1:1000"); code != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", code)
	}
	// A different client keeps its own budget.
	if code := send("10.0.0.2:1000"); code != http.StatusNoContent {
		t.Errorf("other client = %d", code)
	}
}

func TestClientIPHonorsTrustedProxiesOnly(t *testing.T) {
	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct client", nil, "203.0.113.7:44321", "", "203.0.113.7"},
		{"forwarded via trusted proxy", []string{"10.0.0.0/8"}, "10.0.0.5:80", "198.51.100.9, 10.0.0.5", "198.51.100.9"},
		{"forwarded via unknown peer", []string{"10.0.0.0/8"}, "203.0.113.7:80", "198.51.100.9", "203.0.113.7"},
		{"single trusted IP", []string{"10.0.0.5"}, "10.0.0.5:80", "198.51.100.9", "198.51.100.9"},
		{"no proxy list trusts header", nil, "10.0.0.5:80", "198.51.100.9", "198.51.100.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewIPRateLimiter(rate.Limit(1), 1, time.Minute, tt.trusted)
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := l.clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
