package timeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters updated by Reconstruct.
type Metrics struct {
	Records      *prometheus.CounterVec
	PaddingWords prometheus.Counter
	Dropped      prometheus.Counter
	Diagnostics  *prometheus.CounterVec
	Groups       prometheus.Gauge
	Tracks       prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the provided registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kprof_records_total",
		Help: "Tag/timestamp records read from the profiling buffer",
	}, []string{"phase"})

	padding := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kprof_padding_words_total",
		Help: "Zero tag words skipped",
	})

	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kprof_dropped_records_total",
		Help: "Records that produced no trace instruction",
	})

	diagnostics := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kprof_diagnostics_total",
		Help: "Non-fatal decode diagnostics by kind",
	}, []string{"kind"})

	groups := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kprof_groups",
		Help: "Block groups created by the last decode pass",
	})

	tracks := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kprof_tracks",
		Help: "Tracks created by the last decode pass",
	})

	reg.MustRegister(records, padding, dropped, diagnostics, groups, tracks)

	return &Metrics{
		Records:      records,
		PaddingWords: padding,
		Dropped:      dropped,
		Diagnostics:  diagnostics,
		Groups:       groups,
		Tracks:       tracks,
	}
}
