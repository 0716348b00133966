package observability

import (
	"net/http"
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

	JobsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of video jobs enqueued",
		},
	)
	JobsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of video jobs completed",
		},
	)
	JobsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of video jobs failed",
		},
	)
	JobsRetriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of jobs requeued by recovery",
		},
	)
	JobsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_abandoned_total",
			Help: "Total number of jobs abandoned after exhausting retries",
		},
	)

	CreditsSpentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_spent_total",
			Help: "Total credits debited for submissions",
		},
	)
	CreditsGrantedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Total credits granted (purchases and welcome grants)",
		},
	)
	CreditsRefundedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Total credits refunded for failed or abandoned jobs",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Backlog of the pipeline queues",
		},
		[]string{"queue"},
	)
	ActiveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_workers",
			Help: "Workers with a fresh registry row",
		},
	)
	HealthyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "healthy_workers",
			Help: "Workers reporting healthy",
		},
	)
	EffectiveCapacity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "effective_capacity",
			Help: "Sum of concurrent job limits weighted by efficiency score",
		},
	)
	CapacityUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "capacity_utilization",
			Help: "Current jobs over total concurrent job limit",
		},
	)

	ScalingActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scaling_actions_total",
			Help: "Fleet changes executed by the scaling controller",
		},
		[]string{"action"},
	)
	WorkersReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "workers_reaped_total",
			Help: "Stale workers removed by the controller",
		},
	)

	RenderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "render_duration_seconds",
			Help:    "Wall time of one video render",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobsRetriedTotal)
	prometheus.MustRegister(JobsAbandonedTotal)
	prometheus.MustRegister(CreditsSpentTotal)
	prometheus.MustRegister(CreditsGrantedTotal)
	prometheus.MustRegister(CreditsRefundedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveWorkers)
	prometheus.MustRegister(HealthyWorkers)
	prometheus.MustRegister(EffectiveCapacity)
	prometheus.MustRegister(CapacityUtilization)
	prometheus.MustRegister(ScalingActionsTotal)
	prometheus.MustRegister(WorkersReapedTotal)
	prometheus.MustRegister(RenderDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
