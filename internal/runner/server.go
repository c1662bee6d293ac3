package runner

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/flowpool/flowpool/internal/metrics"
	"github.com/flowpool/flowpool/pkg/types"
)

// Server exposes a flow engine over the pool's worker contract:
// POST /execute runs a flow, GET /health answers the pool's probes.
type Server struct {
	echo   *echo.Echo
	engine *Engine
	log    *zap.Logger
}

// NewServer creates a worker HTTP server around engine.
func NewServer(engine *Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:   e,
		engine: engine,
		log:    log,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/health", s.health)
	e.POST("/execute", s.execute)

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

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, types.HealthResponse{Status: "ok", Role: "worker"})
}

// execute runs one flow. Flow failures (thrown errors, timeouts) are not
// HTTP errors: the handler answers 200 with success=false and the message,
// and reserves 4xx for requests the engine never saw.
func (s *Server) execute(c echo.Context) error {
	var req types.SandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
	}
	if req.Code == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "code is required"})
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	res, err := s.engine.Run(c.Request().Context(), req.Code, req.Input, timeout)
	if err != nil {
		status := "error"
		if errors.Is(err, ErrTimedOut) {
			status = "timeout"
		}
		metrics.RunnerExecutionsTotal.WithLabelValues(status).Inc()
		s.log.Info("flow failed",
			zap.String("flowId", req.FlowID),
			zap.String("error", err.Error()))
		return c.JSON(http.StatusOK, types.SandboxResponse{
			Success: false,
			Error:   err.Error(),
			Logs:    res.Logs,
		})
	}

	metrics.RunnerExecutionsTotal.WithLabelValues("success").Inc()
	return c.JSON(http.StatusOK, types.SandboxResponse{
		Success: true,
		Result:  res.Value,
		Logs:    res.Logs,
	})
}
