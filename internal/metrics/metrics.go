// Package metrics exposes the hub's counters and gauges as Prometheus
// instruments. These are a best-effort observability aid, explicitly
// decoupled from correctness: nothing in the dispatcher reads them back
// to make a decision.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all task hub Prometheus instruments.
type Registry struct {
	reg *prometheus.Registry

	TasksCreated   prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksRetried   prometheus.Counter
	TasksDLQed     prometheus.Counter

	QueueDepth prometheus.Gauge
	DLQDepth   prometheus.Gauge

	LeasesReclaimed  prometheus.Counter
	PriorityBumps    prometheus.Counter
	RateLimitRejects prometheus.Counter
	RBACDenials      prometheus.Counter

	RequestDuration *prometheus.HistogramVec
}

// New builds a fresh registry of task hub instruments, registered against
// its own prometheus.Registry so test instances never collide with the
// process-global default registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		TasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_tasks_created_total",
			Help: "Total tasks created.",
		}),
		TasksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_tasks_completed_total",
			Help: "Total tasks that reached DONE.",
		}),
		TasksFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_tasks_failed_total",
			Help: "Total tasks that reached FAIL.",
		}),
		TasksRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_tasks_retried_total",
			Help: "Total retry attempts scheduled.",
		}),
		TasksDLQed: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_tasks_dlq_total",
			Help: "Total tasks promoted to the dead letter queue.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "a2a_taskhub_queue_depth",
			Help: "Current number of PENDING tasks.",
		}),
		DLQDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "a2a_taskhub_dlq_depth",
			Help: "Current number of dead-lettered tasks.",
		}),
		LeasesReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_leases_reclaimed_total",
			Help: "Total leases reclaimed by the Lease Sweeper.",
		}),
		PriorityBumps: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_priority_bumps_total",
			Help: "Total priority bumps applied by the Priority Ager.",
		}),
		RateLimitRejects: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_ratelimit_rejects_total",
			Help: "Total requests rejected by the gateway rate limiter.",
		}),
		RBACDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "a2a_taskhub_rbac_denials_total",
			Help: "Total requests denied by the RBAC permission map.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "a2a_taskhub_request_duration_seconds",
			Help: "Gateway request duration in seconds.",
		}, []string{"route", "method"}),
	}
}

// Handler returns the /metrics scrape endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
