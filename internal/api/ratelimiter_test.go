package api

import (
	"net/http"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/openmic/internal/storage"
)

type stubLimiter struct {
	allow bool
}

func (s stubLimiter) Allow() bool { return s.allow }

func TestRateLimitMiddleware(t *testing.T) {
	handler := NewHandler(storage.NewMemoryStore())

	t.Run("denied", func(t *testing.T) {
		router := NewRouter(handler, zaptest.NewLogger(t),
			WithPolicy(Policy{}), WithRateLimiter(stubLimiter{allow: false}))
		rec := performRequest(t, router, http.MethodGet, "/api/health", nil, nil)
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("expected 429, got %d", rec.Code)
		}
	})

	t.Run("allowed", func(t *testing.T) {
		router := NewRouter(handler, zaptest.NewLogger(t),
			WithPolicy(Policy{}), WithRateLimiter(stubLimiter{allow: true}))
		rec := performRequest(t, router, http.MethodGet, "/api/health", nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	})
}

func TestNewTokenBucketLimiter(t *testing.T) {
	if limiter := newTokenBucketLimiter(0, 10); limiter != nil {
		t.Fatalf("expected limiting disabled for zero rate")
	}
	if limiter := newTokenBucketLimiter(5, 0); limiter != nil {
		t.Fatalf("expected limiting disabled for zero burst")
	}

	limiter := newTokenBucketLimiter(1, 1)
	if limiter == nil {
		t.Fatalf("expected an active limiter")
	}
	if !limiter.Allow() {
		t.Fatalf("expected the first request to pass")
	}
	if limiter.Allow() {
		t.Fatalf("expected the burst to be exhausted")
	}
}
