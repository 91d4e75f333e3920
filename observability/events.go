package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"stablefi/core/events"
)

// EventMetrics counts emitted protocol events. It is an events.Emitter so the
// node can place it in its fanout next to the archive.
type EventMetrics struct {
	emitted *prometheus.CounterVec
	last    *prometheus.GaugeVec
	now     func() time.Time
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the process-wide event counters.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = newEventMetrics(prometheus.DefaultRegisterer)
	})
	return eventRegistry
}

func newEventMetrics(reg prometheus.Registerer) *EventMetrics {
	m := &EventMetrics{
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stablefi",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Protocol events by module and type.",
		}, []string{"module", "type"}),
		last: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stablefi",
			Subsystem: "events",
			Name:      "last_emitted_timestamp_seconds",
			Help:      "Unix time of the latest event per module.",
		}, []string{"module"}),
		now: time.Now,
	}
	reg.MustRegister(m.emitted, m.last)
	return m
}

// Emit implements events.Emitter. The module label is the event type prefix
// before the first dot ("collateral.liquidated" counts under "collateral").
func (m *EventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	eventType := strings.TrimSpace(evt.EventType())
	if eventType == "" {
		eventType = "unknown"
	}
	module, _, found := strings.Cut(eventType, ".")
	if !found {
		module = "unknown"
	}
	m.emitted.WithLabelValues(module, eventType).Inc()
	m.last.WithLabelValues(module).Set(float64(m.now().Unix()))
}
