package registry

import "github.com/prometheus/client_golang/prometheus"

var registeredAPIs = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "paygate",
	Subsystem: "registry",
	Name:      "registrations_total",
	Help:      "Successful API registrations, including re-registrations.",
})

func init() {
	prometheus.MustRegister(registeredAPIs)
}
