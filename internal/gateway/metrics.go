package gateway

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes.
const (
	outcomeNotFound       = "not_found"
	outcomeUnauthorized   = "unauthenticated"
	outcomeRateLimited    = "rate_limited"
	outcomeInsufficient   = "insufficient_balance"
	outcomeCircuitOpen    = "circuit_open"
	outcomeCharged        = "charged"
	outcomeNotCharged     = "not_charged"
	outcomeUpstreamError  = "upstream_error"
	outcomeCallerError    = "caller_error"
	outcomeSettleRejected = "settlement_rejected"
	outcomeSettleFailed   = "settlement_failed"
	outcomeInternal       = "internal_error"
)

var (
	gwCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Total gateway calls by outcome.",
	}, []string{"outcome"})

	gwUpstreamResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "upstream_responses_total",
		Help:      "Upstream responses by status class; transport failures are \"error\".",
	}, []string{"class"})

	gwUpstreamLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "upstream_latency_seconds",
		Help:      "Upstream call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	gwChargedAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "gateway",
		Name:      "charged_amount",
		Help:      "Distribution of per-call charges.",
		Buckets:   []float64{0.001, 0.01, 0.1, 1, 10, 100, 1000},
	})
)

func init() {
	prometheus.MustRegister(
		gwCalls,
		gwUpstreamResponses,
		gwUpstreamLatency,
		gwChargedAmount,
	)
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}
