package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "streamforge_build_info",
			Help: "Build information of StreamForge",
		},
		[]string{"version", "commit", "date"},
	)

	IterationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamforge_iterations_total",
			Help: "Total number of generation iterations",
		},
		[]string{"domain", "status"},
	)

	IterationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamforge_iteration_duration_seconds",
			Help:    "Duration of generation iterations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"domain"},
	)

	RowsGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamforge_rows_generated_total",
			Help: "Total number of rows generated",
		},
		[]string{"domain", "table", "type"},
	)

	FilesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamforge_files_written_total",
			Help: "Total number of output files written",
		},
		[]string{"sink", "status"},
	)

	FileWriteDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamforge_file_write_duration_seconds",
			Help:    "Duration of output file writes, retries included",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"sink"},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamforge_active_runs",
			Help: "Number of generation runs in progress (0 or 1)",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamforge_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamforge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordIteration records the outcome of one coordinator iteration.
func RecordIteration(domain string, duration time.Duration, err error) {
	IterationsTotal.WithLabelValues(domain, status(err)).Inc()
	IterationDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

func RecordRows(domain, table, tableType string, n int) {
	RowsGeneratedTotal.WithLabelValues(domain, table, tableType).Add(float64(n))
}

// RecordFileWrite records one sink write.
func RecordFileWrite(sink string, duration time.Duration, err error) {
	FilesWrittenTotal.WithLabelValues(sink, status(err)).Inc()
	FileWriteDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
