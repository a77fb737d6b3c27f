package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", append(mw, func(c *gin.Context) {
		c.String(http.StatusOK, GetWallet(c))
	})...)
	return r
}

func TestMiddleware_SetsWallet(t *testing.T) {
	r := newRouter()
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set(HeaderWallet, "  7xKXtg2CW87d97TXJSDp ")
	r.ServeHTTP(w, req)

	if w.Body.String() != "7xKXtg2CW87d97TXJSDp" {
		t.Errorf("Expected trimmed, case-preserved wallet, got %q", w.Body.String())
	}
}

func TestRequireWallet_MissingHeader(t *testing.T) {
	r := newRouter(RequireWallet())
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	want := `{"error":"Authentication required","hint":"Include X-Wallet-Address header"}`
	if w.Body.String() != want {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestRequireWallet_OversizedWalletRejected(t *testing.T) {
	r := newRouter(RequireWallet())
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	req.Header.Set(HeaderWallet, string(long))
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{"disabled", "", "", http.StatusOK},
		{"missing", "s3cret", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "nope", http.StatusUnauthorized},
		{"correct", "s3cret", "s3cret", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(RequireAdmin(tc.secret))
			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			if tc.header != "" {
				req.Header.Set(HeaderAdminSecret, tc.header)
			}
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("Expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}

func TestGetWallet_WithoutMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/x", nil)
	c.Request.Header.Set(HeaderWallet, "abc")
	if got := GetWallet(c); got != "abc" {
		t.Errorf("Expected abc, got %q", got)
	}
}
