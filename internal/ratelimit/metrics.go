package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains rate limiter metrics.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
}

// NewMetrics creates rate limiter metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates rate limiter metrics registered with
// the provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions by outcome",
			},
			[]string{"outcome"},
		),
	}

	_ = registerer.Register(m.decisionsTotal)

	return m
}

// RecordDecision records a rate limit decision.
func (m *Metrics) RecordDecision(outcome string) {
	if m == nil || m.decisionsTotal == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(outcome).Inc()
}
