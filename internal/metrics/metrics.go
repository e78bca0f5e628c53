// Package metrics exposes daemon counters in the Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Proxy request outcomes
const (
	OutcomeForwarded  = "forwarded"
	OutcomeUpgraded   = "upgraded"
	OutcomeBadGateway = "bad_gateway"
)

// Registry owns a private Prometheus registry so that tests can create as
// many as they like.
type Registry struct {
	registry *prometheus.Registry

	ProxyRequests   *prometheus.CounterVec
	UpstreamRetries prometheus.Counter
	OpenConns       prometheus.Gauge
	HijackedConns   prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nightshift_proxy_requests_total",
				Help: "Proxied requests by outcome",
			},
			[]string{"outcome"},
		),
		UpstreamRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightshift_proxy_upstream_retries_total",
			Help: "Backend dials retried after a refused connection",
		}),
		OpenConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nightshift_proxy_open_connections",
			Help: "Client connections currently open on the proxy port",
		}),
		HijackedConns: factory.NewCounter(prometheus.CounterOpts{
			Name: "nightshift_proxy_hijacked_connections_total",
			Help: "Client connections taken over for an upgraded stream",
		}),
	}
}

// RecordRequest counts one proxied request
func (r *Registry) RecordRequest(outcome string) {
	r.ProxyRequests.WithLabelValues(outcome).Inc()
}

// RegisterWatchdog exposes the watchdog's own counters
func (r *Registry) RegisterWatchdog(ticks, anomalies func() uint64) {
	factory := promauto.With(r.registry)
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "nightshift_watchdog_ticks_total",
		Help: "Completed watchdog sampling iterations in this generation",
	}, func() float64 { return float64(ticks()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "nightshift_watchdog_clock_anomalies_total",
		Help: "Watchdog ticks skipped because a clock read failed",
	}, func() float64 { return float64(anomalies()) })
}

// RegisterGeneration exposes the generation number and backend pid
func (r *Registry) RegisterGeneration(generation int, backendPID func() int) {
	factory := promauto.With(r.registry)
	factory.NewGauge(prometheus.GaugeOpts{
		Name: "nightshift_generation",
		Help: "Number of process images this daemon has run, including the current one",
	}).Set(float64(generation))
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "nightshift_backend_pid",
		Help: "Process id of the supervised backend",
	}, func() float64 { return float64(backendPID()) })
}

// Handler serves the registry
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
