// Package metric provides prometheus collectors of the relay.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "splice"

// Rebuild results.
const (
	ResultOK        = "ok"
	ResultAbandoned = "abandoned"
)

// Relay holds collectors of a single relay.
type Relay struct {
	// Rebuilds counts branch rebuilds by result.
	Rebuilds *prometheus.CounterVec
	// RebuildDuration observes the time from suppressed end of stream
	// until the new branch is linked.
	RebuildDuration prometheus.Histogram
	// Suppressed counts branch end of stream events dropped before merge.
	Suppressed prometheus.Counter
	// Passed counts branch end of stream events let through on stop.
	Passed prometheus.Counter
	// Gaps counts end of stream events observed while branch was already
	// rebuilding.
	Gaps prometheus.Counter
	// Premature counts end of stream events leaving merge while relay
	// wasn't stopping.
	Premature prometheus.Counter
	// Buffers and Samples count data leaving merge.
	Buffers prometheus.Counter
	Samples prometheus.Counter
	// Branches is the number of flowing branches.
	Branches prometheus.Gauge
	// UpstreamErrors counts fatal errors by source stage kind.
	UpstreamErrors *prometheus.CounterVec
}

// New registers relay collectors. If reg is nil, collectors are
// registered in a private registry.
func New(reg prometheus.Registerer) *Relay {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Relay{
		Rebuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebuilds_total",
			Help:      "Total number of branch rebuilds, by result.",
		}, []string{"result"}),
		RebuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rebuild_duration_seconds",
			Help:      "Time from branch end of stream until the replacement is linked.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		Suppressed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eos_suppressed_total",
			Help:      "Total number of branch end of stream events dropped before merge.",
		}),
		Passed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eos_passed_total",
			Help:      "Total number of branch end of stream events passed on stop.",
		}),
		Gaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eos_gaps_total",
			Help:      "Total number of end of stream events observed during rebuild.",
		}),
		Premature: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eos_premature_total",
			Help:      "Total number of end of stream events leaving merge before stop.",
		}),
		Buffers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffers_total",
			Help:      "Total number of buffers leaving merge.",
		}),
		Samples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Total number of samples leaving merge.",
		}),
		Branches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "branches",
			Help:      "Current number of branches flowing into merge.",
		}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Total number of fatal upstream errors, by stage kind.",
		}, []string{"kind"}),
	}
}

// Rebuilt records the rebuild result and its duration since the end of
// stream was observed.
func (m *Relay) Rebuilt(result string, since time.Time) {
	m.Rebuilds.WithLabelValues(result).Inc()
	if result == ResultOK {
		m.RebuildDuration.Observe(time.Since(since).Seconds())
	}
}

// Value returns the current value of the counter.
func Value(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
