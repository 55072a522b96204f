package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CallsReceived counts payloads entering intake, by provider and route.
	CallsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_calls_received_total",
		Help: "Call payloads received by provider and route",
	}, []string{"provider", "route"})

	// CallOutcomes counts terminal intake decisions per call.
	CallOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_call_outcomes_total",
		Help: "Per-call intake outcomes",
	}, []string{"provider", "outcome"})

	// FilterRejections counts the failing predicate of the last evaluated report.
	FilterRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_filter_rejections_total",
		Help: "Calls dropped by filtering, by failing predicate",
	}, []string{"predicate"})

	DispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "intake_dispatch_queue_depth",
		Help: "Jobs waiting for a dispatcher worker",
	})

	DispatchDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intake_dispatch_dropped_total",
		Help: "Jobs refused because the dispatcher queue was full",
	})

	PollRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_poll_runs_total",
		Help: "Poll runs per provider and result",
	}, []string{"provider", "result"})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "intake_poll_duration_seconds",
		Help:    "Wall time of one poll run over all accounts",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"provider"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intake_retry_attempts_total",
		Help: "Replayed pending attempts by result",
	}, []string{"result"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_finished_total",
		Help: "Tasks reaching a terminal status",
	}, []string{"status"})

	BilledSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_billed_seconds_total",
		Help: "Seconds debited for completed tasks",
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests processed",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Middleware records request count and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
