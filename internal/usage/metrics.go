package usage

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "usage",
		Name:      "events_total",
		Help:      "Usage events recorded by outcome.",
	}, []string{"outcome"})

	revenueRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "usage",
		Name:      "revenue_total",
		Help:      "Sum of recorded call costs.",
	})
)

func init() {
	prometheus.MustRegister(eventsRecorded, revenueRecorded)
}
