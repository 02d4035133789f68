// Package metrics exposes call and registration statistics as Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lite-rpc/message"
	"lite-rpc/registry"
)

const namespace = "literpc"

// Collector implements middleware.CallObserver and registry.StatusObserver.
type Collector struct {
	calls        *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	registration *prometheus.GaugeVec
	connections  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Dispatched calls by service, method and outcome.",
		}, []string{"service", "method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time spent dispatching a call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method"}),
		registration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registration_state",
			Help:      "1 for the current registration state of this server, 0 otherwise.",
		}, []string{"state"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_connections",
			Help:      "Connections currently being served.",
		}),
	}

	for _, col := range []prometheus.Collector{c.calls, c.duration, c.registration, c.connections} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	c.ObserveRegistration(registry.StatePending)
	return c, nil
}

func (c *Collector) ObserveCall(service, method string, kind message.ErrorKind, duration time.Duration) {
	outcome := "ok"
	if kind != "" {
		outcome = string(kind)
	}
	c.calls.WithLabelValues(service, method, outcome).Inc()
	c.duration.WithLabelValues(service, method).Observe(duration.Seconds())
}

func (c *Collector) ObserveRegistration(state registry.State) {
	for _, s := range []registry.State{registry.StatePending, registry.StateRegistered, registry.StateSkipped, registry.StateFailed} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.registration.WithLabelValues(s.String()).Set(v)
	}
}

func (c *Collector) ConnectionOpened() {
	c.connections.Inc()
}

func (c *Collector) ConnectionClosed() {
	c.connections.Dec()
}
