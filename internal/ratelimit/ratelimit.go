// Package ratelimit throttles gateway traffic.
//
// Two limiters live here: an in-process token bucket used as the global
// per-client middleware, and a per-wallet sliding window shared across
// gateway replicas through Redis. Both satisfy WalletLimiter so the router
// works the same with or without REDIS_URL.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/paygate/internal/auth"
)

var rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "paygate",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by a rate limiter.",
}, []string{"limiter"}) // "client", "wallet"

func init() {
	prometheus.MustRegister(rejected)
}

// WalletLimiter decides whether a wallet may make another gateway call.
type WalletLimiter interface {
	Allow(ctx context.Context, wallet string) (bool, error)
}

// Config configures the token bucket.
type Config struct {
	// RequestsPerMinute is the sustained refill rate.
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter is an in-process token bucket keyed by client.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// AllowKey takes one token from key's bucket.
func (l *Limiter) AllowKey(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.lastCheck).Seconds() * perSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Allow implements WalletLimiter. A zero rate disables limiting.
func (l *Limiter) Allow(_ context.Context, wallet string) (bool, error) {
	if l.cfg.RequestsPerMinute <= 0 {
		return true, nil
	}
	if !l.AllowKey("wallet:" + wallet) {
		rejected.WithLabelValues("wallet").Inc()
		return false, nil
	}
	return true, nil
}

// Middleware rate limits by caller. Requests carrying a wallet header are
// keyed by wallet, everything else by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.cfg.RequestsPerMinute <= 0 {
			c.Next()
			return
		}
		key := "ip:" + c.ClientIP()
		if w := c.GetHeader(auth.HeaderWallet); w != "" {
			key = "wallet:" + w
		}

		if !l.AllowKey(key) {
			rejected.WithLabelValues("client").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
