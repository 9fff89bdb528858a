package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/resilience/breaker"
	"github.com/wyfcoding/resilience/bulkhead"
	"github.com/wyfcoding/resilience/degrade"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func perform(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

func TestHTTPCircuitBreakerOpensOnServerErrors(t *testing.T) {
	b := breaker.NewBreaker(breaker.Settings{
		Name:   "http",
		Config: breaker.Config{FailureThreshold: 2, Timeout: time.Minute},
	}, nil)

	router := gin.New()
	router.Use(HTTPCircuitBreaker(b))
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	for range 2 {
		if w := perform(router, "/fail"); w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500 while breaker is closed", w.Code)
		}
	}

	// 阈值已到，后续请求被熔断且不进入处理链
	if w := perform(router, "/ok"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 from open breaker", w.Code)
	}
	if got := b.State(); got != breaker.StateOpen {
		t.Errorf("state = %v, want open", got)
	}
}

func TestHTTPBulkheadRejectsWhenFull(t *testing.T) {
	bh := bulkhead.NewBulkhead("http", 1, nil)

	router := gin.New()
	router.Use(HTTPBulkhead(bh))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	// 占住唯一许可模拟在途请求
	if err := bh.TryAcquire(); err != nil {
		t.Fatal(err)
	}
	if w := perform(router, "/"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 at capacity", w.Code)
	}

	bh.Release()
	if w := perform(router, "/"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 after a permit freed", w.Code)
	}
	if got := bh.AvailablePermits(); got != 1 {
		t.Errorf("AvailablePermits() = %d, permit must be released after the request", got)
	}
}

func TestHTTPDegradationBlocksOffline(t *testing.T) {
	m := degrade.NewManager()

	router := gin.New()
	router.Use(HTTPDegradation(m, "api"))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := perform(router, "/"); w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 at full level", w.Code)
	}

	m.SetLevel("api", degrade.LevelDegraded)
	w := perform(router, "/")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, degraded level must still serve", w.Code)
	}
	if got := w.Header().Get(headerDegradationLevel); got != "degraded" {
		t.Errorf("level header = %q, want %q", got, "degraded")
	}

	m.SetLevel("api", degrade.LevelOffline)
	if w := perform(router, "/"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when offline", w.Code)
	}
}

func TestRecoveryConvertsPanic(t *testing.T) {
	router := gin.New()
	router.Use(Recovery(slog.New(slog.NewTextHandler(io.Discard, nil))))
	router.GET("/", func(*gin.Context) { panic("boom") })

	if w := perform(router, "/"); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 after recovered panic", w.Code)
	}
}

type rejectingLimiter struct{ err error }

func (r rejectingLimiter) Allow(_ context.Context, _ string) (bool, error) {
	return false, r.err
}

func TestHTTPRateLimitFailOpen(t *testing.T) {
	router := gin.New()
	router.Use(HTTPRateLimit(rejectingLimiter{err: errors.New("backend down")}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := perform(router, "/"); w.Code != http.StatusOK {
		t.Errorf("status = %d, limiter failure must fail open", w.Code)
	}
}

func TestHTTPRateLimitRejects(t *testing.T) {
	router := gin.New()
	router.Use(HTTPRateLimit(rejectingLimiter{}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	if w := perform(router, "/"); w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}
