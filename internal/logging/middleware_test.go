package logging

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestEngine(buf *bytes.Buffer) *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware(NewWithWriter(buf, "info", "text")))
	r.Use(AccessLogMiddleware())
	r.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, RequestID(c.Request.Context()))
	})
	r.GET("/fail", func(c *gin.Context) {
		c.Status(http.StatusBadGateway)
	})
	return r
}

func TestRequestIDMiddleware_PropagatesIncoming(t *testing.T) {
	var buf bytes.Buffer
	r := newTestEngine(&buf)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	r.ServeHTTP(w, req)

	if got := w.Header().Get(HeaderRequestID); got != "abc-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	if w.Body.String() != "abc-123" {
		t.Errorf("handler saw request id %q", w.Body.String())
	}
	if !strings.Contains(buf.String(), "request_id=abc-123") {
		t.Errorf("access log missing request id: %s", buf.String())
	}
}

func TestRequestIDMiddleware_Generates(t *testing.T) {
	var buf bytes.Buffer
	r := newTestEngine(&buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))

	id := w.Header().Get(HeaderRequestID)
	if len(id) != 36 {
		t.Fatalf("expected generated uuid, got %q", id)
	}
}

func TestAccessLogMiddleware_LevelByStatus(t *testing.T) {
	var buf bytes.Buffer
	r := newTestEngine(&buf)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "status=502") {
		t.Errorf("expected error-level access line, got %s", out)
	}
}
