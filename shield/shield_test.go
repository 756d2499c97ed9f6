package shield

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestSecurityHeaders(t *testing.T) {
	cfg := APIHeaders()
	cfg.ReferrerPolicy = ""
	rec := httptest.NewRecorder()
	SecurityHeaders(cfg)(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("cache-control = %q", got)
	}
	if _, set := rec.Header()["Referrer-Policy"]; set {
		t.Fatal("empty header must not be sent")
	}
}

func TestMaxJSONBody(t *testing.T) {
	var readErr error
	h := MaxJSONBody(8)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"text":"too long"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	h.ServeHTTP(httptest.NewRecorder(), req)
	var mbe *http.MaxBytesError
	if !errors.As(readErr, &mbe) {
		t.Fatalf("json body: err = %v", readErr)
	}

	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(make([]byte, 64)))
	req.Header.Set("Content-Type", "application/pdf")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if readErr != nil {
		t.Fatalf("non-json body must pass through: %v", readErr)
	}
}

func TestRateLimiter_Window(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimit{Requests: 2, Window: 10 * time.Second},
		WithLimiterClock(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("a"); !ok {
			t.Fatalf("request %d refused", i)
		}
	}
	ok, wait := rl.Allow("a")
	if ok || wait != 10*time.Second {
		t.Fatalf("third = %v %s", ok, wait)
	}
	if ok, _ := rl.Allow("b"); !ok {
		t.Fatal("clients must not share a budget")
	}

	now = now.Add(10 * time.Second)
	if ok, _ := rl.Allow("a"); !ok {
		t.Fatal("window must reset")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimit{})
	for i := 0; i < 100; i++ {
		if ok, _ := rl.Allow("a"); !ok {
			t.Fatal("disabled limiter refused")
		}
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(RateLimit{Requests: 1, Window: time.Minute, TrustProxy: true})
	h := rl.Middleware(okHandler)

	send := func(xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/ingest", nil)
		req.Header.Set("X-Forwarded-For", xff)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("203.0.113.9, 10.0.0.1"); rec.Code != http.StatusNoContent {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := send("203.0.113.9")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("second = %d retry-after %q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := send("198.51.100.4"); rec.Code != http.StatusNoContent {
		t.Fatalf("other client = %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := ClientIP(req, false); got != "192.0.2.1" {
		t.Fatalf("untrusted = %q", got)
	}
	if got := ClientIP(req, true); got != "203.0.113.9" {
		t.Fatalf("trusted = %q", got)
	}
}
