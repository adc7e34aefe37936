package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/stackrun/internal/persistence"
)

const unmatched = "unmatched"

// httpMetrics holds the per-server Prometheus registry.
type httpMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	rejected *prometheus.CounterVec
}

func newHTTPMetrics(reg *prometheus.Registry, store *persistence.Store) *httpMetrics {
	m := &httpMetrics{
		registry: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackrun_http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stackrun_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stackrun_http_auth_rejected_total",
				Help: "Requests rejected by token auth, by reason.",
			},
			[]string{"reason"},
		),
	}
	reg.MustRegister(m.requests, m.duration, m.rejected)
	reg.MustRegister(collectors.NewGoCollector())
	if store != nil {
		reg.MustRegister(&taskRunCollector{store: store})
	}
	return m
}

// middleware records request count and duration, labelled by chi route
// pattern to keep cardinality bounded.
func (m *httpMetrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		m.requests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (m *httpMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

var (
	taskRunsDesc = prometheus.NewDesc(
		"stackrun_task_runs",
		"Task runs by status.",
		[]string{"status"}, nil,
	)
	dispatchableDesc = prometheus.NewDesc(
		"stackrun_dispatchable_frames",
		"Frames at the head of their chain waiting for dispatch.",
		nil, nil,
	)
)

// taskRunCollector reads queue gauges from the store at scrape time.
type taskRunCollector struct {
	store *persistence.Store
}

func (c *taskRunCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- taskRunsDesc
	ch <- dispatchableDesc
}

func (c *taskRunCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if counts, err := c.store.TaskRunCounts(ctx); err == nil {
		for status, n := range counts {
			ch <- prometheus.MustNewConstMetric(taskRunsDesc, prometheus.GaugeValue, float64(n), string(status))
		}
	}
	if n, err := c.store.CountDispatchable(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(dispatchableDesc, prometheus.GaugeValue, float64(n))
	}
}
