package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paygate",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total ledger operations by type.",
		},
		[]string{"type"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paygate",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	ledgerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "ledger",
		Name:      "failures_total",
		Help:      "Failed ledger operations by type and reason.",
	}, []string{"type", "reason"}) // reason: "insufficient_balance", "insufficient_held", "storage"

	settledAmount = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "ledger",
		Name:      "settled_amount",
		Help:      "Distribution of amounts moved from callers to owners.",
		Buckets:   []float64{0.01, 0.1, 1, 10, 100, 1000, 10000},
	})

	balanceAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "ledger",
		Name:      "balance_available_total",
		Help:      "Sum of all available balances at the last totals snapshot.",
	})

	balanceHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "ledger",
		Name:      "balance_held_total",
		Help:      "Sum of all held balances at the last totals snapshot.",
	})
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		ledgerFailures,
		settledAmount,
		balanceAvailable,
		balanceHeld,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

func recordFailure(opType string, err error) {
	reason := "storage"
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		reason = "insufficient_balance"
	case errors.Is(err, ErrInsufficientHeld):
		reason = "insufficient_held"
	}
	ledgerFailures.WithLabelValues(opType, reason).Inc()
}
