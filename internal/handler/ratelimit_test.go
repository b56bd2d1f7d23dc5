package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/governance-ledger/internal/handler"
)

func limitedRouter(t *testing.T, rps, burst int) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, rps, burst))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func hit(r *gin.Engine, ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimiter_burstThenReject(t *testing.T) {
	r := limitedRouter(t, 1, 2)

	for i := 0; i < 2; i++ {
		if code := hit(r, "10.0.0.1"); code != http.StatusNoContent {
			t.Fatalf("request %d = %d, want 204", i, code)
		}
	}
	if code := hit(r, "10.0.0.1"); code != http.StatusTooManyRequests {
		t.Errorf("over-burst request = %d, want 429", code)
	}
	// buckets are per client
	if code := hit(r, "10.0.0.2"); code != http.StatusNoContent {
		t.Errorf("other client = %d, want 204", code)
	}
}

func TestRateLimiter_disabled(t *testing.T) {
	r := limitedRouter(t, 0, 0)
	for i := 0; i < 50; i++ {
		if code := hit(r, "10.0.0.1"); code != http.StatusNoContent {
			t.Fatalf("request %d = %d with limiting disabled", i, code)
		}
	}
}
