// Package metrics collects Prometheus metrics for the backfill and
// snapshot subsystems and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the service exports. A fresh registry is
// created per collector so tests can instantiate isolated stacks.
type Collector struct {
	registry *prometheus.Registry

	unitsProcessed   *prometheus.CounterVec
	unitDuration     prometheus.Histogram
	fetchRetries     prometheus.Counter
	snapshotsWritten prometheus.Counter
	snapshotsDeleted prometheus.Counter
	activeJobs       prometheus.Gauge
	limiterDelay     prometheus.Gauge
}

// NewCollector registers all metrics on a private registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		unitsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backfill_units_processed_total",
			Help: "Work units processed, by outcome",
		}, []string{"outcome"}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backfill_unit_duration_seconds",
			Help:    "Per-unit processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backfill_fetch_retries_total",
			Help: "Upstream fetch attempts retried after transient failures",
		}),
		snapshotsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshots_written_total",
			Help: "Snapshots committed to storage",
		}),
		snapshotsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshots_deleted_total",
			Help: "Snapshots cascade-deleted",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backfill_active_jobs",
			Help: "Jobs currently pending, running, or recovering",
		}),
		limiterDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backfill_rate_limiter_delay_seconds",
			Help: "Current adaptive inter-request delay",
		}),
	}
	c.registry.MustRegister(
		c.unitsProcessed,
		c.unitDuration,
		c.fetchRetries,
		c.snapshotsWritten,
		c.snapshotsDeleted,
		c.activeJobs,
		c.limiterDelay,
	)
	return c
}

// RecordUnit records one processed work unit.
func (c *Collector) RecordUnit(outcome string, seconds float64) {
	c.unitsProcessed.WithLabelValues(outcome).Inc()
	c.unitDuration.Observe(seconds)
}

// RecordRetry counts one retried fetch attempt.
func (c *Collector) RecordRetry() {
	c.fetchRetries.Inc()
}

// RecordSnapshotWritten counts a committed snapshot.
func (c *Collector) RecordSnapshotWritten() {
	c.snapshotsWritten.Inc()
}

// RecordSnapshotDeleted counts a cascade deletion.
func (c *Collector) RecordSnapshotDeleted() {
	c.snapshotsDeleted.Inc()
}

// SetActiveJobs updates the active-jobs gauge.
func (c *Collector) SetActiveJobs(n int) {
	c.activeJobs.Set(float64(n))
}

// SetLimiterDelay updates the adaptive-delay gauge.
func (c *Collector) SetLimiterDelay(seconds float64) {
	c.limiterDelay.Set(seconds)
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
