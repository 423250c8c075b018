// Package metrics exports ingestion counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "factengine"

// Collector holds every ingestion metric on its own registry.
type Collector struct {
	registry *prometheus.Registry

	// Counters
	rowsRead      prometheus.Counter
	rowsDropped   *prometheus.CounterVec
	rowsFallback  *prometheus.CounterVec
	rowsDeduped   prometheus.Counter
	factsMerged   *prometheus.CounterVec
	files         *prometheus.CounterVec
	mergeAttempts *prometheus.CounterVec

	// Run
	runDuration prometheus.Histogram
	lastRun     prometheus.Gauge
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		rowsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_read_total",
			Help:      "Data rows read from landing files",
		}),
		rowsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_dropped_total",
			Help:      "Rows dropped during staging, by reason",
		}, []string{"reason"}),
		rowsFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_fallback_total",
			Help:      "Rows whose reference fell back to the sentinel key, by dimension",
		}, []string{"dimension"}),
		rowsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_deduplicated_total",
			Help:      "Rows removed as duplicates of a later write",
		}),
		factsMerged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_merged_total",
			Help:      "Fact rows applied by merges, by operation",
		}, []string{"op"}),
		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Landing files processed, by outcome",
		}, []string{"outcome"}),
		mergeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_attempts_total",
			Help:      "Merge transaction attempts, by result",
		}, []string{"result"}),

		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last pipeline run finished",
		}),
	}

	registry.MustRegister(
		c.rowsRead,
		c.rowsDropped,
		c.rowsFallback,
		c.rowsDeduped,
		c.factsMerged,
		c.files,
		c.mergeAttempts,
		c.runDuration,
		c.lastRun,
	)
	registry.MustRegister(collectors.NewGoCollector())

	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) RowsRead(n int) { c.rowsRead.Add(float64(n)) }

func (c *Collector) RowsDropped(reason string, n int) {
	c.rowsDropped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) Fallbacks(dimension string, n int64) {
	c.rowsFallback.WithLabelValues(dimension).Add(float64(n))
}

func (c *Collector) Deduplicated(n int) { c.rowsDeduped.Add(float64(n)) }

func (c *Collector) FactsMerged(op string, n int) {
	c.factsMerged.WithLabelValues(op).Add(float64(n))
}

func (c *Collector) File(outcome string) { c.files.WithLabelValues(outcome).Inc() }

// MergeAttempt matches merge.Engine.OnAttempt.
func (c *Collector) MergeAttempt(result string) { c.mergeAttempts.WithLabelValues(result).Inc() }

// RunFinished records the duration and completion time of a run.
func (c *Collector) RunFinished(took time.Duration, at time.Time) {
	c.runDuration.Observe(took.Seconds())
	c.lastRun.Set(float64(at.Unix()))
}
