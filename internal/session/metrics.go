package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics is nil when no registerer was supplied; every method tolerates the
// nil receiver so callers never branch on instrumentation.
type metrics struct {
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	versionConflicts prometheus.Counter
	duplicates       prometheus.Counter
	appendSeconds    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &metrics{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bookd",
			Subsystem: "session",
			Name:      "cache_hits_total",
			Help:      "Session snapshot reads served from the cache.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bookd",
			Subsystem: "session",
			Name:      "cache_misses_total",
			Help:      "Session snapshot reads that went to the store.",
		}),
		versionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bookd",
			Subsystem: "session",
			Name:      "version_conflicts_total",
			Help:      "Appends rejected because the expected version was stale.",
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bookd",
			Subsystem: "session",
			Name:      "duplicate_appends_total",
			Help:      "Appends deduplicated by idempotency key.",
		}),
		appendSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bookd",
			Subsystem: "session",
			Name:      "append_seconds",
			Help:      "Wall time of successful appends, including lock wait.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *metrics) cacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *metrics) versionConflict() {
	if m != nil {
		m.versionConflicts.Inc()
	}
}

func (m *metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *metrics) observeAppend(d time.Duration) {
	if m != nil {
		m.appendSeconds.Observe(d.Seconds())
	}
}
