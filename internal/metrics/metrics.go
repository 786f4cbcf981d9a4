// Package metrics exposes Prometheus instruments for queue processing and webhooks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the service reports. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ProcessRuns    *prometheus.CounterVec
	Dispatches     *prometheus.CounterVec
	WebhookEvents  *prometheus.CounterVec
	StaleRecovered prometheus.Counter
	TickDuration   prometheus.Histogram
	ClientsActive  prometheus.Gauge
}

// New registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProcessRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadq_process_runs_total",
				Help: "Client queue processing runs by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadq_dispatch_total",
				Help: "Queue items handed to the voice provider by result",
			},
			[]string{"result"},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leadq_webhook_events_total",
				Help: "Provider webhook events by kind and result",
			},
			[]string{"event", "result"},
		),
		StaleRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadq_stale_items_recovered_total",
			Help: "In-progress items returned to the retry path after timing out",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leadq_scheduler_tick_duration_seconds",
			Help:    "Wall time of one periodic processing tick",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ClientsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leadq_clients_processing",
			Help: "Clients currently being processed",
		}),
	}

	m.registry.MustRegister(
		m.ProcessRuns,
		m.Dispatches,
		m.WebhookEvents,
		m.StaleRecovered,
		m.TickDuration,
		m.ClientsActive,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ProcessRun(trigger, result string) {
	if m == nil {
		return
	}
	m.ProcessRuns.WithLabelValues(trigger, result).Inc()
}

func (m *Metrics) Dispatch(result string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(result).Inc()
}

func (m *Metrics) WebhookEvent(event, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleRecovered.Add(float64(n))
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}

// TrackClient increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackClient() func() {
	if m == nil {
		return func() {}
	}
	m.ClientsActive.Inc()
	return m.ClientsActive.Dec
}
