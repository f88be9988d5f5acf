// Package metrics exposes Prometheus counters/gauges for the dispatch
// fabric's health: requests by kind, coalesced requests, published task
// results, responses by kind and status, in-flight jobs and live sessions.
// Queue depth is not reported. Not
// present in the original implementation; carried as ambient stack per
// SPEC_FULL.md since spec.md names no metrics Non-goal.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every counter/gauge the fabric reports.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	CoalescedTotal      prometheus.Counter
	TasksPublishedTotal prometheus.Counter
	ResponsesTotal     *prometheus.CounterVec
	InFlightJobs       prometheus.Gauge
	LiveSessions       prometheus.Gauge
}

// New registers and returns a fresh Metrics set on its own registry, so
// multiple test instances don't collide on prometheus' default registry.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qdata_requests_total",
			Help: "Client requests received by kind.",
		}, []string{"kind"}),
		CoalescedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdata_coalesced_total",
			Help: "Requests that joined an already in-flight task instead of enqueuing a new one.",
		}),
		TasksPublishedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qdata_tasks_published_total",
			Help: "Completed task results published to the response queue.",
		}),
		ResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qdata_responses_total",
			Help: "Response envelopes emitted to clients by kind and status.",
		}, []string{"kind", "status"}),
		InFlightJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qdata_inflight_jobs",
			Help: "Worker jobs currently executing.",
		}),
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "qdata_live_sessions",
			Help: "Currently connected client sessions.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.CoalescedTotal, m.TasksPublishedTotal, m.ResponsesTotal, m.InFlightJobs, m.LiveSessions)
	return m, reg
}

// Handler returns an http.Handler exposing reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
