package audit

import "github.com/prometheus/client_golang/prometheus"

// Metrics contains audit metrics.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics creates audit metrics registered with the default registerer.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer creates audit metrics registered with the
// provided registerer.
func NewMetricsWithRegisterer(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events by category",
			},
			[]string{"category"},
		),
	}

	_ = registerer.Register(m.eventsTotal)

	m.Init()

	return m
}

// Init pre-populates the category labels so the counter appears in
// /metrics output immediately after startup. Idempotent.
func (m *Metrics) Init() {
	if m.eventsTotal == nil {
		return
	}
	for _, c := range []Category{
		CategorySuccess, CategoryAuthFailed, CategoryRateLimited, CategoryBlocked, CategoryError,
	} {
		m.eventsTotal.WithLabelValues(string(c))
	}
}

// RecordEvent records one audit event.
func (m *Metrics) RecordEvent(category Category) {
	if m == nil || m.eventsTotal == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(category)).Inc()
}
