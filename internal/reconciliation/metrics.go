package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileLedgerDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "ledger_drift",
		Help:      "available + held - topped up, from the last run. Non-zero means money appeared or vanished.",
	})

	reconcileAggregateMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "aggregate_mismatches",
		Help:      "Listings whose stored aggregates disagree with their usage events in the last run.",
	})

	reconcileOrphanedHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "orphaned_holds",
		Help:      "Number of orphaned ledger holds found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerDrift,
		reconcileAggregateMismatches,
		reconcileOrphanedHolds,
		reconcileDuration,
		reconcileErrors,
	)
}
