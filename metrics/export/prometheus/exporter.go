// Package prometheus bridges the engine's metrics snapshot into a
// prometheus.Collector so the counters appear on a standard /metrics
// endpoint.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ember "github.com/emberauth/ember"
	"github.com/emberauth/ember/metrics/export/internaldefs"
)

type metricsSource interface {
	MetricsSnapshot() ember.MetricsSnapshot
	AuditDropped() uint64
}

// Collector reads a fresh snapshot on every scrape. It holds no state of
// its own, so registering it is cheap and scrapes are always current.
type Collector struct {
	source       metricsSource
	counterDescs map[ember.MetricID]*prometheus.Desc
	histDescs    map[ember.MetricID]*prometheus.Desc
	droppedDesc  *prometheus.Desc
}

// NewCollector creates a Collector reading from the given engine.
func NewCollector(engine *ember.Engine) *Collector {
	return NewCollectorFromSource(engine)
}

// NewCollectorFromSource creates a Collector from any snapshot source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source:       source,
		counterDescs: make(map[ember.MetricID]*prometheus.Desc, len(internaldefs.CounterDefs)),
		histDescs:    make(map[ember.MetricID]*prometheus.Desc, len(internaldefs.HistogramDefs)),
		droppedDesc: prometheus.NewDesc(
			"ember_audit_dropped_total",
			"Dropped audit events due to dispatcher backpressure.",
			nil, nil,
		),
	}
	for _, def := range internaldefs.CounterDefs {
		c.counterDescs[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	for _, def := range internaldefs.HistogramDefs {
		c.histDescs[def.ID] = prometheus.NewDesc(def.Name, def.Help, nil, nil)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.counterDescs {
		ch <- desc
	}
	for _, desc := range c.histDescs {
		ch <- desc
	}
	ch <- c.droppedDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c == nil || c.source == nil {
		return
	}

	snapshot := c.source.MetricsSnapshot()

	for _, def := range internaldefs.CounterDefs {
		ch <- prometheus.MustNewConstMetric(
			c.counterDescs[def.ID],
			prometheus.CounterValue,
			float64(snapshot.Counters[def.ID]),
		)
	}

	for _, def := range internaldefs.HistogramDefs {
		raw := internaldefs.NormalizeBuckets(snapshot.Histograms[def.ID])
		cumulative := internaldefs.CumulativeBuckets(raw)

		buckets := make(map[float64]uint64, len(internaldefs.HistogramBounds))
		for i, bound := range internaldefs.HistogramBounds {
			buckets[bound] = cumulative[i]
		}
		count := cumulative[len(cumulative)-1]

		// The engine snapshot has no sum; expose 0 and let consumers rely
		// on bucket counts.
		ch <- prometheus.MustNewConstHistogram(c.histDescs[def.ID], count, 0, buckets)
	}

	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(c.source.AuditDropped()))
}

// Handler returns an http.Handler serving only this collector's metrics on
// a private registry.
func (c *Collector) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
