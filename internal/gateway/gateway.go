// Package gateway is the pay-per-call router.
//
// Flow for ANY /:slug/*path:
//  1. Resolve the slug to a registration
//  2. Identify the caller by X-Wallet-Address (and rate limit the wallet)
//  3. Authorize the price: reserve it with a ledger hold, or check the
//     balance when settling after the call
//  4. Forward the call to the upstream
//  5. Charge the owner when the upstream answered below 500, otherwise
//     return the reservation
//  6. Record usage and respond with cost and balance headers
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/circuitbreaker"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/ratelimit"
	"github.com/mbd888/paygate/internal/registry"
	"github.com/mbd888/paygate/internal/usage"
)

// Response headers set on every forwarded call.
const (
	HeaderCost    = "X-Gateway-Cost"
	HeaderBalance = "X-Gateway-Balance"
)

// Mode selects when the caller is charged.
type Mode string

const (
	// ModeReserve holds the price before forwarding and captures or
	// releases it afterwards.
	ModeReserve Mode = "reserve"
	// ModePost checks the balance before forwarding and settles after the
	// upstream answers. The settlement can still fail.
	ModePost Mode = "post"
)

// ParseMode validates a settlement mode name. Empty means reserve.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeReserve, nil
	case ModeReserve, ModePost:
		return m, nil
	default:
		return "", fmt.Errorf("gateway: unknown settlement mode %q", s)
	}
}

// Registry resolves slugs.
type Registry interface {
	Resolve(ctx context.Context, slug string) (*registry.Registration, error)
}

// Ledger is the money side of a call.
type Ledger interface {
	GetBalance(ctx context.Context, wallet string) (decimal.Decimal, error)
	Hold(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*ledger.Balance, error)
	Capture(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*ledger.SettleResult, error)
	Release(ctx context.Context, wallet string, amount decimal.Decimal, reference string) (*ledger.Balance, error)
	Settle(ctx context.Context, payer, payee string, amount decimal.Decimal, reference string) (*ledger.SettleResult, error)
}

// UsageRecorder appends usage events.
type UsageRecorder interface {
	Record(ctx context.Context, in usage.RecordInput) (*usage.Event, *usage.ListingStats, error)
}

// Config controls the router.
type Config struct {
	Mode             Mode
	UpstreamTimeout  time.Duration
	MaxResponseBytes int64
}

// Router is the gin fallback handler that meters and forwards calls.
type Router struct {
	registry  Registry
	ledger    Ledger
	usage     UsageRecorder
	forwarder *Forwarder
	breaker   *circuitbreaker.Breaker
	limiter   ratelimit.WalletLimiter
	mode      Mode
	logger    *slog.Logger
}

// NewRouter creates a router.
func NewRouter(reg Registry, l Ledger, u UsageRecorder, cfg Config, logger *slog.Logger) *Router {
	if cfg.Mode == "" {
		cfg.Mode = ModeReserve
	}
	return &Router{
		registry:  reg,
		ledger:    l,
		usage:     u,
		forwarder: NewForwarder(cfg.UpstreamTimeout, cfg.MaxResponseBytes),
		mode:      cfg.Mode,
		logger:    logger,
	}
}

// WithBreaker enables a per-slug circuit breaker.
func (r *Router) WithBreaker(b *circuitbreaker.Breaker) *Router {
	r.breaker = b
	return r
}

// WithLimiter enables a per-wallet rate limit.
func (r *Router) WithLimiter(l ratelimit.WalletLimiter) *Router {
	r.limiter = l
	return r
}

// Mode returns the settlement mode in use.
func (r *Router) Mode() Mode {
	return r.mode
}
