package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/globalqueiros/stixconnect-sub000/internal/platform/auth"
)

func limitedHandler(cfg RateLimitConfig) echo.HandlerFunc {
	return RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
}

func asUser(req *http.Request, uid string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), uid, []string{auth.RoleNurse}, ""))
}

func TestRateLimit_RequestsWithinBurst(t *testing.T) {
	e := echo.New()
	handler := limitedHandler(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		if err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
			t.Errorf("request %d: expected X-RateLimit-Limit 10, got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	e := echo.New()
	handler := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())); err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
	}

	rec := httptest.NewRecorder()
	err := handler(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if v, err := strconv.Atoi(rec.Header().Get("Retry-After")); err != nil || v < 1 {
		t.Errorf("expected a positive Retry-After, got %q", rec.Header().Get("Retry-After"))
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0, got %q", got)
	}
}

func TestRateLimit_BucketsPerUser(t *testing.T) {
	e := echo.New()
	handler := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	call := func(uid string) error {
		req := asUser(httptest.NewRequest(http.MethodGet, "/", nil), uid)
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := call("nurse-a"); err != nil {
		t.Fatalf("nurse-a first request: %v", err)
	}
	if err := call("nurse-a"); err == nil {
		t.Fatal("nurse-a second request: expected rate limit error")
	}
	if err := call("nurse-b"); err != nil {
		t.Fatalf("nurse-b has its own bucket: %v", err)
	}
}

func TestRateLimit_AnonymousKeyedByIP(t *testing.T) {
	e := echo.New()
	handler := limitedHandler(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	call := func(ip string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":5000"
		return handler(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := call("10.0.0.1"); err != nil {
		t.Fatalf("first ip: %v", err)
	}
	if err := call("10.0.0.1"); err == nil {
		t.Fatal("expected the same ip to be limited")
	}
	if err := call("10.0.0.2"); err != nil {
		t.Fatalf("second ip has its own bucket: %v", err)
	}
}

func TestRateLimitKey(t *testing.T) {
	e := echo.New()
	req := asUser(httptest.NewRequest(http.MethodGet, "/", nil), "u1")
	if got := rateLimitKey(e.NewContext(req, httptest.NewRecorder())); got != "user:u1" {
		t.Errorf("expected user:u1, got %q", got)
	}
}
