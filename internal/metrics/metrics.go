// Package metrics exposes authentication outcome counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultSuccess      = "success"
	ResultInvalid      = "invalid_input"
	ResultConflict     = "conflict"
	ResultUnauthorized = "unauthorized"
	ResultError        = "error"
)

// Metrics owns a dedicated registry so tests and multiple servers do not
// collide on the global one.
type Metrics struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	logins        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authserver_registrations_total",
			Help: "Registration attempts by result.",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authserver_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.registrations,
		m.logins,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registration(result string) {
	m.registrations.WithLabelValues(result).Inc()
}

func (m *Metrics) Login(result string) {
	m.logins.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
