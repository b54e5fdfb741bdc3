package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus instruments on a private
// registry, so tests can create as many instances as they like without
// default-registry collisions.
type Metrics struct {
	registry *prometheus.Registry

	StoresTotal          prometheus.Counter
	DedupHitsTotal       prometheus.Counter
	QuotaRejectionsTotal prometheus.Counter
	RetrievalsTotal      prometheus.Counter
	DeletesTotal         prometheus.Counter
	GCDeletedTotal       prometheus.Counter
	GCQueueDepth         prometheus.Gauge
	TrackedObjects       prometheus.Gauge
	SweepDurationSeconds *prometheus.GaugeVec
}

// New creates the instrument set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StoresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pinwheel_stores_total",
			Help: "Successful store operations, deduplicated ones included.",
		}),
		DedupHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pinwheel_dedup_hits_total",
			Help: "Store operations resolved to an existing canonical object.",
		}),
		QuotaRejectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pinwheel_quota_rejections_total",
			Help: "Store operations rejected by the quota ledger.",
		}),
		RetrievalsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pinwheel_retrievals_total",
			Help: "Successful retrieve operations.",
		}),
		DeletesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pinwheel_deletes_total",
			Help: "Owner-initiated delete operations.",
		}),
		GCDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pinwheel_gc_deleted_total",
			Help: "Objects removed by garbage collection.",
		}),
		GCQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pinwheel_gc_queue_depth",
			Help: "Garbage collection candidates waiting for the next run.",
		}),
		TrackedObjects: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pinwheel_tracked_objects",
			Help: "Objects with a live replication status.",
		}),
		SweepDurationSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pinwheel_sweep_duration_seconds",
			Help: "Duration of the most recent sweep, by sweep name.",
		}, []string{"sweep"}),
	}
}

// Handler serves the registry for the metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
