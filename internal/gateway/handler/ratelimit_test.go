package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestClientLimits_burstThenRefill(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newClientLimits(1, 2)
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("10.0.0.1"); !ok {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	ok, wait := l.allow("10.0.0.1")
	if ok {
		t.Fatal("third request should be limited")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("wait = %v, want (0, 1s]", wait)
	}
	if ok, _ := l.allow("10.0.0.2"); !ok {
		t.Error("other client should have its own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := l.allow("10.0.0.1"); !ok {
		t.Error("token should have refilled after 1s")
	}
}

func TestClientLimits_sweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := newClientLimits(5, 5)
	l.now = func() time.Time { return now }

	l.allow("a")
	now = now.Add(time.Hour)
	l.allow("b")

	if n := l.sweep(now.Add(-limiterIdleAfter)); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, ok := l.buckets["b"]; !ok {
		t.Error("recent bucket was swept")
	}
}

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(RateLimiter(ctx, 1, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "192.0.2.7:4000"
		r.ServeHTTP(w, req)
		return w
	}
	if w := do(); w.Code != http.StatusNoContent {
		t.Fatalf("first: %d", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}
