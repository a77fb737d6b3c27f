package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/auth"
	"github.com/mbd888/paygate/internal/idgen"
	"github.com/mbd888/paygate/internal/ledger"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/money"
	"github.com/mbd888/paygate/internal/registry"
	"github.com/mbd888/paygate/internal/traces"
	"github.com/mbd888/paygate/internal/usage"
)

// Usage error texts for calls that never produced an upstream status.
const (
	errTextCircuitOpen    = "circuit open"
	errTextSettleRejected = "insufficient balance at settlement"
	errTextSettleFailed   = "settlement failed"
)

// call carries one request through the router states.
type call struct {
	reg       *registry.Registration
	slug      string
	remainder string
	wallet    string
	ref       string
	price     decimal.Decimal
	logger    *slog.Logger

	held    bool
	balance decimal.Decimal
	charged decimal.Decimal

	resp   *ForwardResponse
	fwdErr error
	status int
	start  time.Time
}

// Handle is registered as the gin NoRoute handler.
func (r *Router) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	slug, remainder := splitPath(c.Request.URL)

	reg, err := r.resolve(ctx, slug)
	if errors.Is(err, registry.ErrNotFound) {
		gwCalls.WithLabelValues(outcomeNotFound).Inc()
		c.JSON(http.StatusNotFound, gin.H{
			"error": "API not found",
			"slug":  slug,
			"hint":  "Use /gateway/apis to see available APIs",
		})
		return
	}
	if err != nil {
		r.internalError(c, r.log(ctx).With("slug", slug), "resolve slug", err)
		return
	}

	wallet := auth.GetWallet(c)
	if wallet == "" {
		gwCalls.WithLabelValues(outcomeUnauthorized).Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "Authentication required",
			"hint":  "Include " + auth.HeaderWallet + " header",
		})
		return
	}

	ctx, span := traces.StartSpan(ctx, "gateway.Call",
		traces.Slug(slug), traces.Wallet(wallet), traces.ListingID(reg.ListingID))
	defer span.End()

	cl := &call{
		reg:       reg,
		slug:      slug,
		remainder: remainder,
		wallet:    wallet,
		ref:       idgen.WithPrefix("call_"),
		price:     reg.PricePerCall,
		logger:    r.log(ctx).With("slug", slug, "wallet", wallet),
		start:     time.Now(),
	}

	if !r.allowWallet(ctx, c, cl) {
		return
	}
	if r.breaker != nil && !r.breaker.Allow(slug) {
		r.rejectOpenCircuit(ctx, c, cl)
		return
	}
	if !r.authorize(ctx, c, cl) {
		r.releaseBreakerSlot(slug)
		return
	}

	r.forward(ctx, c, cl)
	span.SetAttributes(traces.StatusCode(cl.status))

	// The hold must be settled and the call recorded even if the caller
	// has gone away.
	ctx = context.WithoutCancel(ctx)

	if !r.settle(ctx, c, cl) {
		return
	}
	span.SetAttributes(traces.Charged(cl.charged.IsPositive()), traces.Cost(cl.charged))
	r.record(ctx, cl, cl.charged, cl.usageError())
	r.respond(c, cl)
}

func (r *Router) resolve(ctx context.Context, slug string) (*registry.Registration, error) {
	if slug == "" {
		return nil, registry.ErrNotFound
	}
	return r.registry.Resolve(ctx, slug)
}

// allowWallet applies the per-wallet limit. A limiter failure lets the
// call through.
func (r *Router) allowWallet(ctx context.Context, c *gin.Context, cl *call) bool {
	if r.limiter == nil {
		return true
	}
	ok, err := r.limiter.Allow(ctx, cl.wallet)
	if err != nil {
		cl.logger.Warn("wallet rate limiter unavailable", "error", err)
		return true
	}
	if !ok {
		gwCalls.WithLabelValues(outcomeRateLimited).Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
		return false
	}
	return true
}

func (r *Router) rejectOpenCircuit(ctx context.Context, c *gin.Context, cl *call) {
	gwCalls.WithLabelValues(outcomeCircuitOpen).Inc()
	cl.status = http.StatusServiceUnavailable
	r.record(ctx, cl, money.Zero, errTextCircuitOpen)
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "Upstream unavailable",
		"slug":    cl.slug,
		"message": "The upstream API is failing; calls are paused briefly.",
	})
}

// authorize checks, and in reserve mode reserves, the price. A zero price
// only reads the balance.
func (r *Router) authorize(ctx context.Context, c *gin.Context, cl *call) bool {
	if cl.price.IsZero() || r.mode == ModePost {
		bal, err := r.ledger.GetBalance(ctx, cl.wallet)
		if err != nil {
			r.internalError(c, cl.logger, "read balance", err)
			return false
		}
		if bal.LessThan(cl.price) {
			r.insufficient(c, cl.price, bal)
			return false
		}
		cl.balance = bal
		return true
	}

	bal, err := r.ledger.Hold(ctx, cl.wallet, cl.price, cl.ref)
	var ibe *ledger.InsufficientBalanceError
	if errors.As(err, &ibe) {
		r.insufficient(c, ibe.Required, ibe.Available)
		return false
	}
	if err != nil {
		r.internalError(c, cl.logger, "hold price", err)
		return false
	}
	cl.held = true
	cl.balance = bal.Available
	return true
}

func (r *Router) forward(ctx context.Context, c *gin.Context, cl *call) {
	target := cl.reg.UpstreamBaseURL + cl.remainder
	if q := c.Request.URL.RawQuery; q != "" {
		target += "?" + q
	}

	ctx, span := traces.StartSpan(ctx, "gateway.Forward", traces.Slug(cl.slug))
	defer span.End()

	resp, err := r.forwarder.Forward(ctx, ForwardRequest{
		Method:        c.Request.Method,
		URL:           target,
		Header:        c.Request.Header,
		Body:          c.Request.Body,
		ContentLength: c.Request.ContentLength,
	})
	if err != nil && !callerFault(err) && c.Request.Context().Err() != nil {
		err = fmt.Errorf("%w: %v", ErrCallerCanceled, err)
	}
	switch {
	case err != nil && callerFault(err):
		cl.fwdErr = err
		cl.status = failureStatus(err)
		cl.logger.Info("call aborted by caller", "error", err)
	case err != nil:
		cl.fwdErr = err
		cl.status = failureStatus(err)
		traces.Fail(span, err)
		gwUpstreamResponses.WithLabelValues("error").Inc()
		cl.logger.Warn("upstream call failed", "error", err)
	default:
		cl.resp = resp
		cl.status = resp.StatusCode
		gwUpstreamResponses.WithLabelValues(statusClass(resp.StatusCode)).Inc()
		gwUpstreamLatency.Observe(float64(resp.LatencyMs) / 1000)
	}

	switch {
	case r.breaker == nil:
	case cl.callerFault():
		r.breaker.Abandon(cl.slug)
	case cl.serverFailure():
		r.breaker.RecordFailure(cl.slug)
	default:
		r.breaker.RecordSuccess(cl.slug)
	}
}

// releaseBreakerSlot hands back a half-open trial slot for a call that never
// reached the upstream.
func (r *Router) releaseBreakerSlot(slug string) {
	if r.breaker != nil {
		r.breaker.Abandon(slug)
	}
}

// settle charges or refunds the call. It returns false when it has already
// written the response.
func (r *Router) settle(ctx context.Context, c *gin.Context, cl *call) bool {
	chargeable := !cl.serverFailure() && cl.price.IsPositive()

	switch {
	case cl.held && chargeable:
		res, err := r.ledger.Capture(ctx, cl.wallet, cl.reg.OwnerWallet, cl.price, cl.ref)
		if err != nil {
			cl.logger.Error("capture failed after forward, releasing hold", "reference", cl.ref, "error", err)
			r.release(ctx, cl)
			gwCalls.WithLabelValues(outcomeSettleFailed).Inc()
			r.record(ctx, cl, money.Zero, errTextSettleFailed)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return false
		}
		cl.charged = cl.price
		cl.balance = res.PayerBalance

	case cl.held:
		r.release(ctx, cl)

	case chargeable:
		res, err := r.ledger.Settle(ctx, cl.wallet, cl.reg.OwnerWallet, cl.price, cl.ref)
		var ibe *ledger.InsufficientBalanceError
		if errors.As(err, &ibe) {
			cl.logger.Info("balance spent during call, withholding response", "required", money.Format(ibe.Required))
			gwCalls.WithLabelValues(outcomeSettleRejected).Inc()
			cl.status = http.StatusPaymentRequired
			r.record(ctx, cl, money.Zero, errTextSettleRejected)
			c.JSON(http.StatusPaymentRequired, insufficientBody(ibe.Required, ibe.Available))
			return false
		}
		if err != nil {
			cl.logger.Error("settlement failed after forward", "reference", cl.ref, "error", err)
			gwCalls.WithLabelValues(outcomeSettleFailed).Inc()
			r.record(ctx, cl, money.Zero, errTextSettleFailed)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
			return false
		}
		cl.charged = cl.price
		cl.balance = res.PayerBalance

	case cl.price.IsPositive():
		// Post mode, nothing charged: report the current balance.
		if bal, err := r.ledger.GetBalance(ctx, cl.wallet); err == nil {
			cl.balance = bal
		}
	}

	switch {
	case cl.charged.IsPositive():
		gwCalls.WithLabelValues(outcomeCharged).Inc()
		gwChargedAmount.Observe(money.Float(cl.charged))
	case cl.callerFault():
		gwCalls.WithLabelValues(outcomeCallerError).Inc()
	case cl.fwdErr != nil:
		gwCalls.WithLabelValues(outcomeUpstreamError).Inc()
	default:
		gwCalls.WithLabelValues(outcomeNotCharged).Inc()
	}
	return true
}

// release returns the hold. A failure leaves it for reconciliation.
func (r *Router) release(ctx context.Context, cl *call) {
	bal, err := r.ledger.Release(ctx, cl.wallet, cl.price, cl.ref)
	if err != nil {
		cl.logger.Error("release hold failed", "reference", cl.ref, "error", err)
		return
	}
	cl.balance = bal.Available
}

// record appends the usage event. Money has already moved, so a failure
// is only logged.
func (r *Router) record(ctx context.Context, cl *call, cost decimal.Decimal, errText string) {
	success := errText == "" && cl.status < http.StatusBadRequest
	_, _, err := r.usage.Record(ctx, usage.RecordInput{
		ListingID:    cl.reg.ListingID,
		CallerWallet: cl.wallet,
		Success:      success,
		Error:        errText,
		Cost:         cost,
		Slug:         cl.slug,
		OwnerWallet:  cl.reg.OwnerWallet,
		APIName:      cl.reg.Name,
		StatusCode:   cl.status,
		Latency:      time.Since(cl.start),
	})
	if err != nil {
		cl.logger.Error("failed to record usage", "reference", cl.ref, "error", err)
	}
}

func (r *Router) respond(c *gin.Context, cl *call) {
	c.Header(HeaderCost, money.Format(cl.charged))
	c.Header(HeaderBalance, money.Format(cl.balance))

	cl.logger.Debug("gateway call",
		"status", cl.status,
		"cost", money.Format(cl.charged),
		"reference", cl.ref,
	)

	if errors.Is(cl.fwdErr, ErrRequestTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "Request body too large",
			"slug":  cl.slug,
			"hint":  "Send a smaller body; you were not charged",
		})
		return
	}
	if cl.fwdErr != nil {
		msg := "Upstream request failed"
		if cl.status == http.StatusGatewayTimeout {
			msg = "Upstream timed out"
		}
		c.JSON(cl.status, gin.H{"error": msg, "slug": cl.slug})
		return
	}

	h := c.Writer.Header()
	for k, vs := range cl.resp.Header {
		if k == HeaderCost || k == HeaderBalance {
			continue
		}
		h[k] = vs
	}
	c.Status(cl.status)
	_, _ = c.Writer.Write(cl.resp.Body)
}

func (r *Router) insufficient(c *gin.Context, required, available decimal.Decimal) {
	gwCalls.WithLabelValues(outcomeInsufficient).Inc()
	c.JSON(http.StatusPaymentRequired, insufficientBody(required, available))
}

func insufficientBody(required, available decimal.Decimal) gin.H {
	return gin.H{
		"error":     "Insufficient balance",
		"required":  required,
		"available": available,
		"message":   fmt.Sprintf("You need %s but only have %s", money.Format(required), money.Format(available)),
	}
}

func (r *Router) internalError(c *gin.Context, logger *slog.Logger, op string, err error) {
	logger.Error("gateway "+op+" failed", "error", err)
	gwCalls.WithLabelValues(outcomeInternal).Inc()
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
}

func (r *Router) log(ctx context.Context) *slog.Logger {
	if id := logging.RequestID(ctx); id != "" {
		return r.logger.With("request_id", id)
	}
	return r.logger
}

// serverFailure reports a transport error or a 5xx answer.
func (cl *call) serverFailure() bool {
	return cl.fwdErr != nil || cl.status >= http.StatusInternalServerError
}

func (cl *call) callerFault() bool {
	return cl.fwdErr != nil && callerFault(cl.fwdErr)
}

// usageError is the error text recorded for a completed call.
func (cl *call) usageError() string {
	if cl.fwdErr != nil {
		return cl.fwdErr.Error()
	}
	if cl.status >= http.StatusBadRequest {
		return fmt.Sprintf("upstream returned %d", cl.status)
	}
	return ""
}

// splitPath splits "/slug/rest?q" into "slug" and "/rest", keeping the
// remainder's original escaping.
func splitPath(u *url.URL) (string, string) {
	p := strings.TrimPrefix(u.EscapedPath(), "/")
	slug, rest, found := strings.Cut(p, "/")
	if unescaped, err := url.PathUnescape(slug); err == nil {
		slug = unescaped
	}
	if !found {
		return slug, ""
	}
	return slug, "/" + rest
}
