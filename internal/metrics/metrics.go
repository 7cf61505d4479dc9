// README: Prometheus collector for ingest, cache fallback and broadcast counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cartrack"

// Collector holds every cartrack metric. A nil *Collector is valid and records nothing,
// so services can be built without metrics in tests.
type Collector struct {
	ingested      prometheus.Counter
	ingestFailed  prometheus.Counter
	ingestLatency prometheus.Histogram

	fallbacks *prometheus.CounterVec

	published  prometheus.Counter
	dropped    prometheus.Counter
	failed     prometheus.Counter
	queueDepth prometheus.Gauge

	archiveFailed prometheus.Counter
}

// NewCollector creates the collector and registers it on reg.
// A nil reg registers on prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingested_total",
			Help:      "Telemetry samples written to the cache",
		}),
		ingestFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_ingest_failed_total",
			Help:      "Ingest calls that failed on the cache write",
		}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_latency_seconds",
			Help:      "Latency of the cache write path",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "durable_fallbacks_total",
			Help:      "Reads answered by the durable store after a cache miss",
		}, []string{"operation"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_published_total",
			Help:      "Messages handed to the transport successfully",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Messages dropped because the dispatch queue was full",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_failed_total",
			Help:      "Messages the transport failed to send",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broadcast_queue_depth",
			Help:      "Messages waiting in the dispatch queue",
		}),
		archiveFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_failed_total",
			Help:      "Samples the durable archive failed to append",
		}),
	}

	reg.MustRegister(
		c.ingested,
		c.ingestFailed,
		c.ingestLatency,
		c.fallbacks,
		c.published,
		c.dropped,
		c.failed,
		c.queueDepth,
		c.archiveFailed,
	)

	return c
}

func (c *Collector) RecordIngest(d time.Duration, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.ingestFailed.Inc()
		return
	}
	c.ingested.Inc()
	c.ingestLatency.Observe(d.Seconds())
}

// RecordFallback counts a read served by the durable store; operation is the
// service method name, e.g. "latest" or "all_latest".
func (c *Collector) RecordFallback(operation string) {
	if c == nil {
		return
	}
	c.fallbacks.WithLabelValues(operation).Inc()
}

func (c *Collector) RecordPublished() {
	if c == nil {
		return
	}
	c.published.Inc()
}

func (c *Collector) RecordDropped() {
	if c == nil {
		return
	}
	c.dropped.Inc()
}

func (c *Collector) RecordPublishFailed() {
	if c == nil {
		return
	}
	c.failed.Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) RecordArchiveFailed() {
	if c == nil {
		return
	}
	c.archiveFailed.Inc()
}

// Handler serves the registry gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
