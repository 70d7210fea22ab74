package web

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func rateLimitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(rl))
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestRateLimitMiddlewareAllowsWithinBurst(t *testing.T) {
	r := rateLimitedRouter(NewRateLimiter(rate.Limit(1), 3))

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("Request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimitMiddlewareBlocksAboveBurst(t *testing.T) {
	r := rateLimitedRouter(NewRateLimiter(rate.Limit(1), 2))

	var last int
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("Expected 429 after burst exhausted, got %d", last)
	}
}

func TestRateLimitMiddlewareIsPerIP(t *testing.T) {
	r := rateLimitedRouter(NewRateLimiter(rate.Limit(1), 1))

	first := httptest.NewRecorder()
	req1 := httptest.NewRequest("GET", "/ping", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(first, req1)

	// Second client keeps its own bucket.
	second := httptest.NewRecorder()
	req2 := httptest.NewRequest("GET", "/ping", nil)
	req2.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(second, req2)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Errorf("Expected both clients allowed, got %d and %d", first.Code, second.Code)
	}
}

func TestMaxBytesMiddlewareRejectsLargeContentLength(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(MaxBytesMiddleware(16))
	r.POST("/inbox", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	body := strings.Repeat("x", 64)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/inbox", bytes.NewReader([]byte(body)))
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rec.Code)
	}
}

func TestMaxBytesMiddlewareLimitsBodyReader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(MaxBytesMiddleware(16))
	r.POST("/inbox", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusAccepted)
	})

	// Chunked body dodges the ContentLength check; MaxBytesReader catches it.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/inbox", strings.NewReader(strings.Repeat("x", 64)))
	req.ContentLength = -1
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413 from body reader limit, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/inbox", strings.NewReader("ok"))
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected small body accepted, got %d", rec.Code)
	}
}
