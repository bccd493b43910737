// Package metrics exposes the Prometheus collectors the engine and its
// HTTP surface update as they run, the way the rest of the retrieval
// pack's service layers publish a single registry plus a set of
// Record*/Set* helpers instead of threading a metrics client through
// every call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this package registers, kept separate
// from prometheus.DefaultRegisterer so tests can build a throwaway
// registry without colliding with the process-wide default.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spyre",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spyre",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled, by method/route/status.",
	}, []string{"method", "route", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spyre",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method/route.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
	}, []string{"method", "route"})

	tasksActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spyre",
		Subsystem: "dispatcher",
		Name:      "tasks_active",
		Help:      "Tasks currently in flight across every environment.",
	})

	taskDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spyre",
		Subsystem: "dispatcher",
		Name:      "tasks_total",
		Help:      "Completed task dispatches by terminal status.",
	}, []string{"status"})

	taskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spyre",
		Subsystem: "dispatcher",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock duration of dispatched tasks by terminal status.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34min
	}, []string{"status"})

	pipelineSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spyre",
		Subsystem: "pipeline",
		Name:      "steps_total",
		Help:      "Pipeline steps that reached a terminal status, by type/status.",
	}, []string{"type", "status"})

	pipelinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spyre",
		Subsystem: "pipeline",
		Name:      "pipelines_active",
		Help:      "Pipelines currently running or paused.",
	})

	orchestratorAgents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spyre",
		Subsystem: "orchestrator",
		Name:      "agents_total",
		Help:      "Lightweight agents that reached a terminal status, by status.",
	}, []string{"status"})

	orchestratorWaveSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spyre",
		Subsystem: "orchestrator",
		Name:      "wave_size",
		Help:      "Number of agents dispatched per wave.",
		Buckets:   prometheus.LinearBuckets(1, 1, 8), // 1..8, matching MaxWaveBatch
	})

	sshPoolConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spyre",
		Subsystem: "sshpool",
		Name:      "connections_active",
		Help:      "Open SSH connections held by the connection pool.",
	})

	sshDialErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spyre",
		Subsystem: "sshpool",
		Name:      "dial_errors_total",
		Help:      "Failed SSH dial attempts by environment.",
	}, []string{"environment_id"})

	provisioningPhases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spyre",
		Subsystem: "provisioner",
		Name:      "phase_total",
		Help:      "Provisioning phase outcomes by phase/status.",
	}, []string{"phase", "status"})

	recoveryLostTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spyre",
		Subsystem: "recovery",
		Name:      "lost_total",
		Help:      "Steps/agents marked lost during a restart reconcile pass, by kind.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		tasksActive,
		taskDispatches,
		taskDuration,
		pipelineSteps,
		pipelinesActive,
		orchestratorAgents,
		orchestratorWaveSize,
		sshPoolConnectionsActive,
		sshDialErrors,
		provisioningPhases,
		recoveryLostTasks,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// GinMiddleware instruments every request through it with the httpInFlight
// gauge, httpRequests counter and httpDuration histogram, keyed by the
// route's registered pattern (c.FullPath()) rather than the raw path so a
// dynamic segment like /environments/:id doesn't explode the label space.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequests.WithLabelValues(c.Request.Method, route, status).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(duration.Seconds())
	}
}

// SetTasksActive reports the current in-flight task count (spec.md
// MAX_CONCURRENT_TASKS cap).
func SetTasksActive(n int) {
	tasksActive.Set(float64(n))
}

// RecordTaskCompletion records a task reaching a terminal status.
func RecordTaskCompletion(status string, duration time.Duration) {
	taskDispatches.WithLabelValues(status).Inc()
	if duration > 0 {
		taskDuration.WithLabelValues(status).Observe(duration.Seconds())
	}
}

// SetPipelinesActive reports the number of running+paused pipelines.
func SetPipelinesActive(n int) {
	pipelinesActive.Set(float64(n))
}

// RecordStepCompletion records a pipeline step reaching a terminal status.
func RecordStepCompletion(stepType, status string) {
	pipelineSteps.WithLabelValues(stepType, status).Inc()
}

// RecordAgentCompletion records a lightweight agent reaching a terminal status.
func RecordAgentCompletion(status string) {
	orchestratorAgents.WithLabelValues(status).Inc()
}

// RecordWaveSize records the size of a dispatched orchestrator wave.
func RecordWaveSize(n int) {
	orchestratorWaveSize.Observe(float64(n))
}

// SetSSHPoolConnectionsActive reports the pool's current open-connection count.
func SetSSHPoolConnectionsActive(n int) {
	sshPoolConnectionsActive.Set(float64(n))
}

// RecordSSHDialError records a failed dial attempt for environmentID.
func RecordSSHDialError(environmentID string) {
	if environmentID == "" {
		environmentID = "unknown"
	}
	sshDialErrors.WithLabelValues(environmentID).Inc()
}

// RecordProvisioningPhase records one phase's outcome (spec.md §4.6's five
// linear phases).
func RecordProvisioningPhase(phase, status string) {
	provisioningPhases.WithLabelValues(phase, status).Inc()
}

// RecordRecoveryLost records a step, agent or supervising task marked
// "lost during restart" by a Recovery.Reconcile pass (spec.md §4.9); kind
// is "step", "agent" or "supervisor".
func RecordRecoveryLost(kind string) {
	recoveryLostTasks.WithLabelValues(kind).Inc()
}
