// Package metrics exposes the Runner's Prometheus instrumentation,
// grounded the same way as internal/host/metrics on
// control-plane/internal/gateway/metrics.go, retargeted to the Runner's
// request surface plus the host-resource gauges internal/runner/monitor
// samples for each heartbeat.
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
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kohakuriver_runner_http_requests_total",
			Help: "Total HTTP requests handled by the Runner gateway",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kohakuriver_runner_http_request_duration_seconds",
			Help:    "Runner gateway HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	TrackedContainers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_runner_tracked_containers",
			Help: "Number of COMMAND/VPS containers this runner is currently tracking",
		},
	)

	TrackedVMs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_runner_tracked_vms",
			Help: "Number of QEMU-backed VM instances this runner is currently tracking",
		},
	)

	ActiveTunnels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_runner_active_tunnels",
			Help: "Number of live container/VM tunnel-client connections",
		},
	)

	CPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_runner_cpu_percent",
			Help: "Most recently sampled host CPU utilization percent",
		},
	)

	MemPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kohakuriver_runner_mem_percent",
			Help: "Most recently sampled host memory utilization percent",
		},
	)

	GPUUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kohakuriver_runner_gpu_utilization_percent",
			Help: "Most recently sampled per-GPU utilization percent",
		},
		[]string{"index", "model"},
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

// Hub is the subset of internal/runner/tunnel.Hub the gauge sampler needs.
type Hub interface {
	Count() int
}

// RunSamplerLoop periodically refreshes the tracked-resource gauges. Runs
// until ctx is cancelled.
func RunSamplerLoop(ctx context.Context, containerCount, vmCount func() int, hub Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sample(containerCount, vmCount, hub)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample(containerCount, vmCount, hub)
		}
	}
}

func sample(containerCount, vmCount func() int, hub Hub) {
	TrackedContainers.Set(float64(containerCount()))
	TrackedVMs.Set(float64(vmCount()))
	ActiveTunnels.Set(float64(hub.Count()))
}
