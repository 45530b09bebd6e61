package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	settlements *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured settlement events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "mrd",
				Subsystem: "events",
				Name:      "settlements_total",
				Help:      "Count of emitted settlement events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.settlements)
	})
	return eventRegistry
}

// RecordSettlementEvent increments the settlement event counter for the
// supplied event type.
func (m *eventMetrics) RecordSettlementEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.settlements.WithLabelValues(normalized).Inc()
}
