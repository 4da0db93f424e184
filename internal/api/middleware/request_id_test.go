package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	router := gin.New()
	router.Use(RequestID())
	router.GET("/", func(c *gin.Context) {
		seen = GetRequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("request id was not set on the context")
	}
	if got := w.Header().Get(RequestIDHeader); got != seen {
		t.Fatalf("header = %q, want %q", got, seen)
	}
}

func TestRequestID_PropagatesIncoming(t *testing.T) {
	router := gin.New()
	router.Use(RequestID(), AccessLog())
	router.GET("/", func(c *gin.Context) {
		if got := GetRequestID(c.Request.Context()); got != "abc-123" {
			t.Errorf("context request id = %q, want abc-123", got)
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	router.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Fatalf("header = %q, want abc-123", got)
	}
}
