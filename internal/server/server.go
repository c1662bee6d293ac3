// Package server exposes the pool over HTTP: flow submission, pool status,
// health, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/flowpool/flowpool/internal/metrics"
	"github.com/flowpool/flowpool/internal/pool"
	"github.com/flowpool/flowpool/pkg/types"
)

// FlowExecutor is the slice of the pool manager the API needs.
type FlowExecutor interface {
	ExecuteFlow(ctx context.Context, code string, input json.RawMessage, cfg types.ExecutionConfig) (*types.ExecutionResult, error)
	Status() types.PoolStatus
}

// TraceRecorder receives finished executions for the audit trail. Recording
// is best-effort and must not block the request path.
type TraceRecorder interface {
	Record(flowID string, res *types.ExecutionResult)
}

// Server holds the API server dependencies.
type Server struct {
	echo  *echo.Echo
	pool  FlowExecutor
	trace TraceRecorder
	log   *zap.Logger
}

// NewServer creates a new API server with all routes configured. trace may
// be nil when no event backend is configured.
func NewServer(pool FlowExecutor, trace TraceRecorder, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:  e,
		pool:  pool,
		trace: trace,
		log:   log,
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, types.HealthResponse{Status: "ok", Role: "server"})
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("/api")
	api.POST("/executions", s.executeFlow)
	api.GET("/pool/status", s.poolStatus)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}

// executeFlow submits a flow to the pool. A flow that ran and failed is
// still HTTP 200 with success=false; non-2xx codes are reserved for
// requests the pool never accepted.
func (s *Server) executeFlow(c echo.Context) error {
	var req types.ExecutionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body: " + err.Error(),
		})
	}
	if req.Code == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "code is required",
		})
	}

	res, err := s.pool.ExecuteFlow(c.Request().Context(), req.Code, req.Input, req.Config)
	if err != nil {
		if errors.Is(err, pool.ErrNotInitialized) || errors.Is(err, pool.ErrShutdown) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	if s.trace != nil {
		s.trace.Record(req.Config.FlowID, res)
	}

	return c.JSON(http.StatusOK, res)
}

func (s *Server) poolStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pool.Status())
}
