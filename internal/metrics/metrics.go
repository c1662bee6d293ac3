package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pool metrics
var (
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpool_executions_total",
			Help: "Total flow executions by outcome",
		},
		[]string{"status"}, // success, error, timeout, no_capacity, unreachable
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowpool_execution_duration_seconds",
			Help:    "Time to execute a flow on a pool container",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 60.0},
		},
		[]string{"container_id"},
	)

	WorkersHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowpool_workers_healthy",
			Help: "Number of pool containers currently passing health probes",
		},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowpool_workers_busy",
			Help: "Number of pool containers currently claimed by executions",
		},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpool_probes_total",
			Help: "Total health probes by result",
		},
		[]string{"result"}, // ok, fail
	)
)

// Service and runner metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpool_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowpool_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"method", "path"},
	)

	RunnerExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowpool_runner_executions_total",
			Help: "Total executions handled by this worker runner",
		},
		[]string{"status"}, // success, error, timeout
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		WorkersHealthy,
		WorkersBusy,
		ProbesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RunnerExecutionsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// EchoMiddleware returns Echo middleware that instruments HTTP requests.
func EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			HTTPRequestDuration.WithLabelValues(
				c.Request().Method,
				c.Path(),
			).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the
// given address. Errors are swallowed; metrics are non-critical.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
