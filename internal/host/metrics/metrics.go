// Package metrics exposes the Host's Prometheus instrumentation, grounded
// on control-plane/internal/gateway/metrics.go's promauto-declared
// package-level vectors plus a request-timing middleware, retargeted from
// the teacher's tenant/vLLM metrics to KohakuRiver's task/node/overlay
// domain.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/models"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_host_http_requests_total",
			Help: "Total HTTP requests handled by the Host gateway",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_host_http_request_duration_seconds",
			Help:    "Host gateway HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_tasks_by_status",
			Help: "Current number of tasks in each status",
		},
		[]string{"status"},
	)

	NodesOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_nodes_online",
			Help: "Current number of online Runner nodes",
		},
	)

	OverlayAllocationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_overlay_allocations_active",
			Help: "Current number of active overlay subnet allocations",
		},
	)

	DispatchFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_dispatch_failures_total",
			Help: "Total task dispatch attempts that failed",
		},
		[]string{"reason"},
	)
)

// Middleware records request count and latency, keyed by the chi route
// pattern rather than the raw path to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := strconv.Itoa(ww.Status())
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

// Store is the subset of internal/host/store.Store the gauge sampler needs.
type Store interface {
	ListTasks(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
	ListOverlayAllocations(ctx context.Context) ([]*models.OverlayAllocation, error)
}

var allStatuses = []models.TaskStatus{
	models.StatusPendingApproval, models.StatusRejected, models.StatusPending, models.StatusAssigning,
	models.StatusRunning, models.StatusPaused, models.StatusCompleted, models.StatusFailed,
	models.StatusKilled, models.StatusKilledOOM, models.StatusStopped, models.StatusLost,
}

// RunSamplerLoop periodically refreshes gauges that reflect the durable
// store's state rather than an in-process event (task counts by status,
// overlay allocation count). Runs until ctx is cancelled.
func RunSamplerLoop(ctx context.Context, st Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sample(ctx, st)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample(ctx, st)
		}
	}
}

func sample(ctx context.Context, st Store) {
	tasks, err := st.ListTasks(ctx, "")
	if err == nil {
		counts := make(map[models.TaskStatus]int, len(allStatuses))
		for _, t := range tasks {
			counts[t.Status]++
		}
		for _, status := range allStatuses {
			TasksByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	if allocs, err := st.ListOverlayAllocations(ctx); err == nil {
		OverlayAllocationsActive.Set(float64(len(allocs)))
	}
}
