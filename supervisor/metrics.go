package supervisor

import (
	"github.com/chainkeeper/organizer/chasebus"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the small set of Prometheus counters/gauges the
// Supervisor increments from chaser event handlers (SPEC_FULL.md §6.1).
// This is observability, not the excluded RPC/query surface.
type Metrics struct {
	OrganizeAccept    prometheus.Counter
	OrganizeReject    *prometheus.CounterVec
	ConfirmReorgDepth prometheus.Gauge
	ArenaExhausted    prometheus.Counter
}

// NewMetrics constructs and registers Metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrganizeAccept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "organize_accept_total",
			Help: "Header and organized notifications observed on the bus.",
		}),
		OrganizeReject: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "organize_reject_total",
			Help: "Headers/blocks rejected during organize, by reason.",
		}, []string{"reason"}),
		ConfirmReorgDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "confirm_reorg_depth",
			Help: "Running count of reorganized notifications (one per popped height, candidate or confirmed).",
		}),
		ArenaExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arena_allocation_exhausted_total",
			Help: "Block-arena allocations that failed due to exhaustion.",
		}),
	}

	reg.MustRegister(m.OrganizeAccept, m.OrganizeReject, m.ConfirmReorgDepth, m.ArenaExhausted)

	return m
}

// observe wires m to bus, incrementing counters from the chase events
// that indicate acceptance, rejection, and reorganization.
func (m *Metrics) observe(bus *chasebus.Bus) (chasebus.Key, error) {
	return bus.Subscribe(func(event chasebus.Event, _ chasebus.Value) {
		switch event {
		case chasebus.Header, chasebus.Organized:
			m.OrganizeAccept.Inc()
		case chasebus.Unvalid, chasebus.Unconfirmable, chasebus.Malleated:
			m.OrganizeReject.WithLabelValues(event.String()).Inc()
		case chasebus.Reorganized:
			m.ConfirmReorgDepth.Inc()
		}
	})
}
