package keystore

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains keystore metrics.
type Metrics struct {
	lookupsTotal        *prometheus.CounterVec
	transitionsTotal    *prometheus.CounterVec
	persistenceFailures prometheus.Counter
}

// NewMetrics creates keystore metrics registered with the default
// registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates keystore metrics registered with the
// provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keystore",
				Name:      "lookups_total",
				Help:      "Total number of key lookups by outcome",
			},
			[]string{"outcome"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keystore",
				Name:      "transitions_total",
				Help:      "Total number of key status transitions",
			},
			[]string{"status"},
		),
		persistenceFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "keystore",
				Name:      "persistence_failures_total",
				Help:      "Total number of failed key database writes",
			},
		),
	}

	// Duplicate registration is safe to ignore because descriptors
	// are identical.
	_ = registerer.Register(m.lookupsTotal)
	_ = registerer.Register(m.transitionsTotal)
	_ = registerer.Register(m.persistenceFailures)

	return m
}

// RecordLookup records a key lookup outcome.
func (m *Metrics) RecordLookup(outcome string) {
	if m == nil || m.lookupsTotal == nil {
		return
	}
	m.lookupsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition records a status transition.
func (m *Metrics) RecordTransition(status Status) {
	if m == nil || m.transitionsTotal == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(string(status)).Inc()
}

// RecordPersistenceFailure records a failed key database write.
func (m *Metrics) RecordPersistenceFailure() {
	if m == nil || m.persistenceFailures == nil {
		return
	}
	m.persistenceFailures.Inc()
}
