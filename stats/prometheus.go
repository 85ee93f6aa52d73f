package stats

import (
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// NewPrometheusSink builds a MetricsSink whose instruments register with the
// default Prometheus registerer under the given namespace.
func NewPrometheusSink(namespace string) *MetricsSink {
	return &MetricsSink{
		Attempts: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total remote call attempts by endpoint, method and outcome.",
		}, []string{"endpoint", "method", "outcome"}),
		Latency: kitprometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Remote call attempt latency by endpoint and method.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "method"}),
		Transitions: kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by endpoint and target state.",
		}, []string{"endpoint", "to"}),
		BreakerState: kitprometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Current circuit breaker state by endpoint (0 closed, 1 open, 2 half-open).",
		}, []string{"endpoint"}),
	}
}
