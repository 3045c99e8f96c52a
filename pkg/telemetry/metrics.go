package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the workflow engine and its
// workers.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	// Instance lifecycle.
	instancesCreated   *prometheus.CounterVec
	instancesCompleted *prometheus.CounterVec
	transitionsTotal   *prometheus.CounterVec
	eventsIgnored      *prometheus.CounterVec

	// Task queue.
	tasksEnqueued   *prometheus.CounterVec
	tasksClaimed    *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	tasksFailed     *prometheus.CounterVec
	tasksDeadLetter *prometheus.CounterVec
	leasesLost      prometheus.Counter
	taskDuration    *prometheus.HistogramVec
	claimLatency    prometheus.Histogram

	// Sandbox.
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec

	// Gauges.
	activeWorkers prometheus.Gauge
	queueDepth    prometheus.Gauge
}

// NewMetrics creates and registers the engine metric set.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	ns := cfg.Namespace
	if ns == "" {
		ns = "degov"
	}
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: registry,

		instancesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "instances_created_total",
			Help: "Workflow instances created.",
		}, []string{"workflow_id"}),
		instancesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "instances_completed_total",
			Help: "Workflow instances that reached a terminal status.",
		}, []string{"workflow_id", "status"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "transitions_total",
			Help: "State transitions committed.",
		}, []string{"workflow_id"}),
		eventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "events_ignored_total",
			Help: "Triggered events with no applicable transition.",
		}, []string{"workflow_id"}),

		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_enqueued_total",
			Help: "Tasks written to the queue.",
		}, []string{"kind"}),
		tasksClaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_claimed_total",
			Help: "Task claims, including lease-expiry reclaims.",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_completed_total",
			Help: "Tasks completed successfully.",
		}, []string{"kind"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_failed_total",
			Help: "Failed task attempts by error class.",
		}, []string{"kind", "class"}),
		tasksDeadLetter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "tasks_dead_letter_total",
			Help: "Tasks moved to the dead-letter partition.",
		}, []string{"kind"}),
		leasesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "leases_lost_total",
			Help: "Task outcomes rejected because the lease was superseded.",
		}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "task_duration_seconds",
			Help:    "Task execution duration.",
			Buckets: buckets,
		}, []string{"kind"}),
		claimLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "claim_latency_seconds",
			Help:    "Time from task schedule to claim.",
			Buckets: buckets,
		}),

		evaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "sandbox_evaluations_total",
			Help: "Sandbox evaluations by language and outcome.",
		}, []string{"language", "outcome"}),
		evaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "sandbox_evaluation_duration_seconds",
			Help:    "Sandbox evaluation duration.",
			Buckets: buckets,
		}, []string{"language"}),

		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_workers",
			Help: "Workers with a live heartbeat.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "queue_depth",
			Help: "Tasks currently queued.",
		}),
	}

	collectors := []prometheus.Collector{
		m.instancesCreated, m.instancesCompleted, m.transitionsTotal, m.eventsIgnored,
		m.tasksEnqueued, m.tasksClaimed, m.tasksCompleted, m.tasksFailed,
		m.tasksDeadLetter, m.leasesLost, m.taskDuration, m.claimLatency,
		m.evaluationsTotal, m.evaluationDuration,
		m.activeWorkers, m.queueDepth,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// StartServer exposes /metrics on the configured listen address.
func (m *Metrics) StartServer() error {
	if !m.config.Enabled {
		return nil
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = m.server.ListenAndServe()
	}()
	return nil
}

// Shutdown stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// RecordInstanceCreated counts a new workflow instance.
func (m *Metrics) RecordInstanceCreated(workflowID string) {
	m.instancesCreated.WithLabelValues(workflowID).Inc()
}

// RecordInstanceCompleted counts a terminal status.
func (m *Metrics) RecordInstanceCompleted(workflowID, status string) {
	m.instancesCompleted.WithLabelValues(workflowID, status).Inc()
}

// RecordTransition counts a committed transition.
func (m *Metrics) RecordTransition(workflowID string) {
	m.transitionsTotal.WithLabelValues(workflowID).Inc()
}

// RecordEventIgnored counts an event with no applicable transition.
func (m *Metrics) RecordEventIgnored(workflowID string) {
	m.eventsIgnored.WithLabelValues(workflowID).Inc()
}

// RecordTaskEnqueued counts a queued task.
func (m *Metrics) RecordTaskEnqueued(kind string) {
	m.tasksEnqueued.WithLabelValues(kind).Inc()
}

// RecordTaskClaimed counts a claim and its schedule-to-claim latency.
func (m *Metrics) RecordTaskClaimed(kind string, latency time.Duration) {
	m.tasksClaimed.WithLabelValues(kind).Inc()
	m.claimLatency.Observe(latency.Seconds())
}

// RecordTaskCompleted counts a successful task with its duration.
func (m *Metrics) RecordTaskCompleted(kind string, duration time.Duration) {
	m.tasksCompleted.WithLabelValues(kind).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTaskFailed counts a failed attempt by error class.
func (m *Metrics) RecordTaskFailed(kind, class string) {
	m.tasksFailed.WithLabelValues(kind, class).Inc()
}

// RecordTaskDeadLetter counts a task parked after exhausting retries.
func (m *Metrics) RecordTaskDeadLetter(kind string) {
	m.tasksDeadLetter.WithLabelValues(kind).Inc()
}

// RecordLeaseLost counts a rejected late write.
func (m *Metrics) RecordLeaseLost() {
	m.leasesLost.Inc()
}

// RecordEvaluation counts a sandbox evaluation.
func (m *Metrics) RecordEvaluation(language, outcome string, duration time.Duration) {
	m.evaluationsTotal.WithLabelValues(language, outcome).Inc()
	m.evaluationDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// SetActiveWorkers records the current live worker count.
func (m *Metrics) SetActiveWorkers(n int) {
	m.activeWorkers.Set(float64(n))
}

// SetQueueDepth records the current queue depth.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
