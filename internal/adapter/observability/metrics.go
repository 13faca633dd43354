package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs accepted and enqueued",
		},
		[]string{"language"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"language", "status"},
	)
	JobExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_execution_duration_seconds",
			Help:    "Sandbox execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"language"},
	)

	ScreeningRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "screening_rejections_total",
			Help: "Total number of submissions rejected by static screening",
		},
		[]string{"language", "reason"},
	)
	RateLimitRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Total number of requests rejected by rate limiting",
		},
		[]string{"kind"},
	)

	StreamConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Currently open stream connections",
		},
	)
	StreamBridgesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_bridges_active",
			Help: "Currently running per-job bridge tasks",
		},
	)
	StreamMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_messages_total",
			Help: "Messages fanned out to stream clients",
		},
		[]string{"type"},
	)

	MachineStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoscaler_machine_starts_total",
			Help: "Machine start requests issued to the control plane",
		},
		[]string{"app", "outcome"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Pending jobs per language queue",
		},
		[]string{"language"},
	)

	BrokerRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_retries_total",
			Help: "Transient broker errors retried by the adapter",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobExecutionDuration)
	prometheus.MustRegister(ScreeningRejectionsTotal)
	prometheus.MustRegister(RateLimitRejectionsTotal)
	prometheus.MustRegister(StreamConnectionsActive)
	prometheus.MustRegister(StreamBridgesActive)
	prometheus.MustRegister(StreamMessagesTotal)
	prometheus.MustRegister(MachineStartsTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(BrokerRetriesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
