package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/redis"
)

type fakeLimiter struct {
	allowed bool
	keys    []string
}

func (f *fakeLimiter) Reserve(ctx context.Context, key string) (*redis.SendWindowResult, error) {
	f.keys = append(f.keys, key)
	return &redis.SendWindowResult{
		Allowed:   f.allowed,
		Remaining: 3,
		ResetAt:   time.Now().Add(time.Minute),
	}, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	mw := RateLimitMiddleware(nil, zap.NewNop(), IPKeyFunc)

	req := httptest.NewRequest("POST", "/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_AllowedRequestProceeds(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	mw := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)

	req := httptest.NewRequest("POST", "/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "3" {
		t.Errorf("remaining header missing: %v", rec.Header())
	}
	if len(limiter.keys) != 1 {
		t.Fatalf("limiter not consulted")
	}
}

func TestRateLimitMiddleware_DeniedRequestIs429(t *testing.T) {
	limiter := &fakeLimiter{allowed: false}
	mw := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)

	req := httptest.NewRequest("POST", "/v1/campaigns", nil)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %q", ct)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	if got := IPKeyFunc(req); got != "ip:203.0.113.7" {
		t.Errorf("expected forwarded IP, got %q", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "203.0.113.8")
	if got := IPKeyFunc(req); got != "ip:203.0.113.8" {
		t.Errorf("expected real IP, got %q", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	if got := IPKeyFunc(req); got != "ip:"+req.RemoteAddr {
		t.Errorf("expected remote addr fallback, got %q", got)
	}
}
