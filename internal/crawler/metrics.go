package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch outcomes used as the "outcome" label.
const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

// Metrics groups the crawl instrumentation. A crawler built with a nil registerer
// still records into unregistered collectors.
type Metrics struct {
	FetchTotal    *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	InFlight      prometheus.Gauge
	FrontierSize  prometheus.Gauge
}

// NewMetrics creates the crawl collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "icdgraph_fetch_total",
			Help: "Entity fetches by outcome",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "icdgraph_fetch_duration_seconds",
			Help:    "Time to fetch one entity",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "icdgraph_fetch_in_flight",
			Help: "Entity fetches currently waiting on the upstream API",
		}),
		FrontierSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "icdgraph_frontier_size",
			Help: "Ids queued for the next crawl generation",
		}),
	}
}
