package booking

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is nil without a registerer; methods tolerate the nil receiver.
type metrics struct {
	bookings     prometheus.Counter
	conflicts    *prometheus.CounterVec
	lockTimeouts prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &metrics{
		bookings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bookd",
			Subsystem: "booking",
			Name:      "created_total",
			Help:      "Bookings successfully created.",
		}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bookd",
			Subsystem: "booking",
			Name:      "conflicts_total",
			Help:      "Booking writes rejected by slot verification.",
		}, []string{"reason"}),
		lockTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bookd",
			Subsystem: "booking",
			Name:      "lock_timeouts_total",
			Help:      "Booking writes that timed out waiting for the slot lock.",
		}),
	}
}

func (m *metrics) created() {
	if m != nil {
		m.bookings.Inc()
	}
}

func (m *metrics) conflict(reason string) {
	if m != nil {
		m.conflicts.WithLabelValues(reason).Inc()
	}
}

func (m *metrics) lockTimeout() {
	if m != nil {
		m.lockTimeouts.Inc()
	}
}
