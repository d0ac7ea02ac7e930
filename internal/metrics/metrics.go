// Package metrics exposes the server's Prometheus instrumentation: task
// worker tick/retry/dead-letter counts, queue depths per class, lock wait
// times, sync worker flush outcomes, and push-channel connection counts.
//
// Uses the prometheus/client_golang registry+promhttp pattern rather
// than hand-rolled text formatting.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antigravity-dev/gameserver/internal/types"
)

// Registry holds every metric the server reports.
type Registry struct {
	reg *prometheus.Registry

	TaskTicksTotal    *prometheus.CounterVec
	TaskRetriesTotal  *prometheus.CounterVec
	DeadLettersTotal  *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
	LockWaitSeconds   *prometheus.HistogramVec
	SyncFlushSeconds  *prometheus.HistogramVec
	SyncFailureTotal  *prometheus.CounterVec
	PushConnections   prometheus.Gauge
	DispatchedTotal   *prometheus.CounterVec
	DispatchErrTotal  *prometheus.CounterVec
}

// New builds and registers the server's metrics on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TaskTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_task_ticks_total",
			Help: "Timed tasks popped due and handed to a finish handler, by class.",
		}, []string{"class"}),
		TaskRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_task_retries_total",
			Help: "Finish handler failures that were requeued for retry, by class.",
		}, []string{"class"}),
		DeadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_task_dead_letters_total",
			Help: "Tasks exceeding max attempts and moved to the dead letter list, by class.",
		}, []string{"class"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gameserver_queue_depth",
			Help: "Current timed-task queue depth, by class.",
		}, []string{"class"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gameserver_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a per-user or per-alliance lock.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		SyncFlushSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gameserver_sync_flush_seconds",
			Help:    "Duration of a sync worker's dirty-set drain, by class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
		SyncFailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_sync_flush_failures_total",
			Help: "Sync worker flush attempts that failed and were re-marked dirty, by class.",
		}, []string{"class"}),
		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gameserver_push_connections",
			Help: "Currently connected push-channel WebSocket sessions.",
		}),
		DispatchedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_api_requests_total",
			Help: "Command requests handled by the API dispatcher, by api_code.",
		}, []string{"api_code"}),
		DispatchErrTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gameserver_api_errors_total",
			Help: "Command requests that returned a non-success envelope, by api_code and error kind.",
		}, []string{"api_code", "kind"}),
	}

	reg.MustRegister(
		r.TaskTicksTotal, r.TaskRetriesTotal, r.DeadLettersTotal, r.QueueDepth,
		r.LockWaitSeconds, r.SyncFlushSeconds, r.SyncFailureTotal,
		r.PushConnections, r.DispatchedTotal, r.DispatchErrTotal,
	)
	return r
}

// Handler serves the registry in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveQueueDepths snapshots a queue's status into the depth gauge for
// every known task class; called once per worker tick.
func (r *Registry) ObserveQueueDepths(status func(types.TaskClass) int) {
	for _, class := range []types.TaskClass{
		types.TaskBuilding, types.TaskUnit, types.TaskResearch, types.TaskMission, types.TaskItem,
	} {
		r.QueueDepth.WithLabelValues(string(class)).Set(float64(status(class)))
	}
}
