package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueDepth      prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queueWait       prometheus.Histogram

	liveHandles     prometheus.Gauge
	trackedSessions prometheus.Gauge
	checkoutTotal   *prometheus.CounterVec
	checkoutWait    prometheus.Histogram
	evictionsTotal  *prometheus.CounterVec
	initDuration    prometheus.Histogram

	executorPending prometheus.Gauge
	executorTotal   *prometheus.CounterVec

	authTransitions *prometheus.CounterVec
	authDuration    *prometheus.HistogramVec

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "dispatch_queue_depth",
					Help: "Current number of requests waiting in the dispatch queue.",
				},
			),
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_requests_total",
					Help: "Total dispatched requests by outcome.",
				},
				[]string{"outcome"},
			),
			requestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dispatch_request_duration_seconds",
					Help:    "End-to-end request duration in seconds by outcome.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			queueWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "dispatch_queue_wait_seconds",
					Help:    "Time a request spends queued before a worker picks it up.",
					Buckets: prometheus.DefBuckets,
				},
			),
			liveHandles: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pool_live_handles",
					Help: "Current number of live session handles.",
				},
			),
			trackedSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "pool_tracked_sessions",
					Help: "Current number of tracked session entries.",
				},
			),
			checkoutTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pool_checkout_total",
					Help: "Total pool checkouts by result.",
				},
				[]string{"result"},
			),
			checkoutWait: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pool_checkout_wait_seconds",
					Help:    "Time spent waiting for an exclusive handle.",
					Buckets: prometheus.DefBuckets,
				},
			),
			evictionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pool_evictions_total",
					Help: "Total handle evictions by reason.",
				},
				[]string{"reason"},
			),
			initDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "pool_handle_init_duration_seconds",
					Help:    "Handle initialization duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			executorPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "executor_pending_tasks",
					Help: "Tasks submitted to the shared executor and not yet resolved.",
				},
			),
			executorTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "executor_tasks_total",
					Help: "Total executor tasks by outcome.",
				},
				[]string{"outcome"},
			),
			authTransitions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "auth_flow_transitions_total",
					Help: "Authorization flow state transitions by service and state.",
				},
				[]string{"service", "state"},
			),
			authDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "auth_flow_duration_seconds",
					Help:    "Authorization flow duration from launch to terminal state.",
					Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300},
				},
				[]string{"service", "state"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.queueDepth,
			m.requestsTotal,
			m.requestDuration,
			m.queueWait,
			m.liveHandles,
			m.trackedSessions,
			m.checkoutTotal,
			m.checkoutWait,
			m.evictionsTotal,
			m.initDuration,
			m.executorPending,
			m.executorTotal,
			m.authTransitions,
			m.authDuration,
			m.toolCallTotal,
			m.toolCallDuration,
			m.agentRunTotal,
			m.agentRunDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetQueueDepth(depth int) {
	getMetrics().queueDepth.Set(float64(depth))
}

func RecordQueueWait(wait time.Duration) {
	getMetrics().queueWait.Observe(wait.Seconds())
}

func RecordRequest(outcome string, duration time.Duration) {
	m := getMetrics()
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func SetLiveHandles(count int) {
	getMetrics().liveHandles.Set(float64(count))
}

func SetTrackedSessions(count int) {
	getMetrics().trackedSessions.Set(float64(count))
}

func RecordCheckout(result string, wait time.Duration) {
	m := getMetrics()
	m.checkoutTotal.WithLabelValues(result).Inc()
	m.checkoutWait.Observe(wait.Seconds())
}

func RecordEviction(reason string) {
	getMetrics().evictionsTotal.WithLabelValues(reason).Inc()
}

func RecordHandleInit(duration time.Duration) {
	getMetrics().initDuration.Observe(duration.Seconds())
}

func SetExecutorPending(count int) {
	getMetrics().executorPending.Set(float64(count))
}

func RecordExecutorTask(outcome string) {
	getMetrics().executorTotal.WithLabelValues(outcome).Inc()
}

func RecordAuthTransition(service, state string) {
	getMetrics().authTransitions.WithLabelValues(service, state).Inc()
}

func RecordAuthFlowDone(service, state string, duration time.Duration) {
	getMetrics().authDuration.WithLabelValues(service, state).Observe(duration.Seconds())
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolCallTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
