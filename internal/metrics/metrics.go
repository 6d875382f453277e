// Package metrics holds the Prometheus collectors shared by the consumer,
// the HTTP service and the supervisor.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fantombot"

// Collector holds every metric the process exports. It uses its own
// registry so tests can build independent instances. A nil *Collector is
// valid and records nothing.
type Collector struct {
	Registry *prometheus.Registry

	// Consumer metrics.
	UpdatesTotal        *prometheus.CounterVec
	DispatchErrorsTotal *prometheus.CounterVec
	FetchErrorsTotal    *prometheus.CounterVec
	FetchDuration       prometheus.Histogram

	// HTTP service metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPInFlight        prometheus.Gauge

	// Supervisor metrics.
	ServiceUp *prometheus.GaugeVec
}

// New creates a Collector with all metrics registered on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()

	m := &Collector{
		Registry: reg,

		UpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "updates_total",
			Help:      "Updates received from the bot API, by event kind and outcome.",
		}, []string{"kind", "outcome"}),

		DispatchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "dispatch_errors_total",
			Help:      "Handler failures, including recovered panics.",
		}, []string{"kind"}),

		FetchErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "fetch_errors_total",
			Help:      "Failed getUpdates calls, by class.",
		}, []string{"class"}),

		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of getUpdates long polls in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		HTTPInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Requests currently holding a worker slot.",
		}),

		ServiceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "1 while a supervised service is running, 0 otherwise.",
		}, []string{"service"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.UpdatesTotal,
		m.DispatchErrorsTotal,
		m.FetchErrorsTotal,
		m.FetchDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPInFlight,
		m.ServiceUp,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Collector) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Collector) Update(kind, outcome string) {
	if m == nil {
		return
	}
	m.UpdatesTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Collector) DispatchError(kind string) {
	if m == nil {
		return
	}
	m.DispatchErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Collector) FetchError(class string) {
	if m == nil {
		return
	}
	m.FetchErrorsTotal.WithLabelValues(class).Inc()
}

func (m *Collector) ObserveFetch(seconds float64) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(seconds)
}

func (m *Collector) ObserveHTTP(method, path string, code int, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(seconds)
}

func (m *Collector) InFlight(delta float64) {
	if m == nil {
		return
	}
	m.HTTPInFlight.Add(delta)
}

// SetServiceUp mirrors a supervised service's running state.
func (m *Collector) SetServiceUp(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.ServiceUp.WithLabelValues(service).Set(v)
}
