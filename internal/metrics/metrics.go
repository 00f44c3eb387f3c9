// Package metrics exposes dispatcher activity as Prometheus collectors on a
// private registry.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autochirp/internal/eventbus"
)

const namespace = "autochirp"

type Metrics struct {
	reg *prometheus.Registry

	events      *prometheus.CounterVec
	retries     prometheus.Histogram
	pending     prometheus.Gauge
	lastPublish prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tweet_events_total",
			Help:      "Tweet lifecycle events by kind.",
		}, []string{"kind"}),
		retries: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_attempts",
			Help:      "Attempts needed per published tweet.",
			Buckets:   []float64{1, 2, 3, 4, 5, 6},
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tweets",
			Help:      "Untweeted messages seen by the last reconcile.",
		}),
		lastPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the last successful publish.",
		}),
	}
	m.reg.MustRegister(
		m.events, m.retries, m.pending, m.lastPublish,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) SetPending(n int64) { m.pending.Set(float64(n)) }

// Observe records one event.
func (m *Metrics) Observe(e eventbus.Event) {
	m.events.WithLabelValues(string(e.Kind)).Inc()
	if e.Kind == eventbus.Published {
		m.retries.Observe(float64(max(e.Attempt, 1)))
		m.lastPublish.Set(float64(e.Time.Unix()))
	}
}

// Consume observes bus events until ctx ends.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(1024)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
