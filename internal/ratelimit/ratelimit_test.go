package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.AllowKey("test-ip") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if limiter.AllowKey("test-ip") {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	time.Sleep(time.Second)
	if !limiter.AllowKey("test-ip") {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.AllowKey("client-a")
	}
	if limiter.AllowKey("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.AllowKey("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiter_WalletAllow(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2})
	defer limiter.Stop()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "w1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLimiter_ZeroRateDisables(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 0, BurstSize: 1})
	defer limiter.Stop()
	limiter.Stop()

	for i := 0; i < 10; i++ {
		ok, _ := limiter.Allow(context.Background(), "w")
		assert.True(t, ok)
	}
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(wallet string) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if wallet != "" {
			req.Header.Set("X-Wallet-Address", wallet)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, do("alice"))
	assert.Equal(t, http.StatusTooManyRequests, do("alice"))
	assert.Equal(t, http.StatusOK, do("bob"), "wallets have separate buckets")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 60, cfg.RequestsPerMinute)
	assert.Equal(t, 10, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}
