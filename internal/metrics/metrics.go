// Package metrics exposes installer counters in Prometheus format.
//
// Every method is safe to call on a nil *Collector, so components can take
// an optional collector without guarding each call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the installer metrics and the registry they live in
type Collector struct {
	registry *prometheus.Registry

	downloadsCompleted prometheus.Counter
	downloadsFailed    prometheus.Counter
	downloadRetries    prometheus.Counter
	downloadBytes      prometheus.Counter
	installs           prometheus.Counter
	commitFailures     prometheus.Counter

	installDuration prometheus.Histogram
	queueDepth      prometheus.Gauge
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		downloadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbi_downloads_completed_total",
			Help: "Total number of archives downloaded successfully",
		}),
		downloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbi_downloads_failed_total",
			Help: "Total number of archives that failed after all attempts",
		}),
		downloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbi_download_retries_total",
			Help: "Total number of repeated download attempts",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbi_download_bytes_total",
			Help: "Total number of bytes written to the staging directory",
		}),
		installs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbi_installs_total",
			Help: "Total number of archives passed through the install pipeline",
		}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbi_commit_failures_total",
			Help: "Total number of rejected commits",
		}),
		installDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "usbi_install_duration_seconds",
			Help:    "Time spent installing one archive",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbi_install_queue_depth",
			Help: "Archives waiting to be installed",
		}),
	}

	c.registry.MustRegister(
		c.downloadsCompleted,
		c.downloadsFailed,
		c.downloadRetries,
		c.downloadBytes,
		c.installs,
		c.commitFailures,
		c.installDuration,
		c.queueDepth,
	)

	return c
}

// RecordDownload records a completed download of size bytes.
func (c *Collector) RecordDownload(size int64) {
	if c == nil {
		return
	}
	c.downloadsCompleted.Inc()
	c.downloadBytes.Add(float64(size))
}

// RecordDownloadFailed records a URL given up on.
func (c *Collector) RecordDownloadFailed() {
	if c == nil {
		return
	}
	c.downloadsFailed.Inc()
}

// RecordRetry records one repeated attempt.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.downloadRetries.Inc()
}

// RecordInstall records one pipeline pass and its duration.
func (c *Collector) RecordInstall(d time.Duration) {
	if c == nil {
		return
	}
	c.installs.Inc()
	c.installDuration.Observe(d.Seconds())
}

// RecordCommitFailure records a rejected commit.
func (c *Collector) RecordCommitFailure() {
	if c == nil {
		return
	}
	c.commitFailures.Inc()
}

// SetQueueDepth sets the number of archives waiting to be installed.
func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
