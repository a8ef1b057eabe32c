// Package metrics provides Prometheus collectors for poll selection and lifecycle events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pollcast"

const (
	statusOK       = "ok"
	statusFailed   = "failed"
	statusDegraded = "degraded"
)

// Collector records selection, migration and dependency outcomes.
type Collector struct {
	registry *prometheus.Registry

	layerHits        *prometheus.CounterVec
	layerSelected    *prometheus.HistogramVec
	migrations       *prometheus.CounterVec
	dependencyCalls  *prometheus.CounterVec
	feedEventsQueued prometheus.Counter
}

// NewCollector registers every collector on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		layerHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selection_layer_hits_total",
				Help:      "Number of selection layers that contributed at least one poll",
			},
			[]string{"pipeline", "layer"},
		),
		layerSelected: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "selection_layer_selected",
				Help:      "Distribution of polls contributed per selection layer",
				Buckets:   []float64{0, 1, 2, 4, 6, 8, 10},
			},
			[]string{"pipeline", "layer"},
		),
		migrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Active to Served migrations by outcome",
			},
			[]string{"status"},
		),
		dependencyCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dependency_calls_total",
				Help:      "Calls to external dependencies by outcome",
			},
			[]string{"dependency", "status"},
		),
		feedEventsQueued: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_events_published_total",
				Help:      "Feed events delivered to stream subscribers",
			},
		),
	}
}

// ObserveLayer records how many polls a selection layer contributed.
func (c *Collector) ObserveLayer(pipeline, layer string, selected int) {
	c.layerSelected.WithLabelValues(pipeline, layer).Observe(float64(selected))
	if selected > 0 {
		c.layerHits.WithLabelValues(pipeline, layer).Inc()
	}
}

// ObserveDependency records the outcome of an external dependency call.
func (c *Collector) ObserveDependency(dependency string, degraded bool) {
	status := statusOK
	if degraded {
		status = statusDegraded
	}
	c.dependencyCalls.WithLabelValues(dependency, status).Inc()
}

// ObserveMigration records the outcome of an Active to Served move.
func (c *Collector) ObserveMigration(succeeded bool) {
	status := statusOK
	if !succeeded {
		status = statusFailed
	}
	c.migrations.WithLabelValues(status).Inc()
}

// ObserveFeedEvent records a feed event delivered to subscribers.
func (c *Collector) ObserveFeedEvent() {
	c.feedEventsQueued.Inc()
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
