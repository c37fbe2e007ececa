// Package server exposes the engine over HTTP: selection, metric recording,
// unit ingestion, alert checks, and operational status.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/budgetd/internal/config"
	"github.com/fyrsmithlabs/budgetd/internal/engine"
	"github.com/fyrsmithlabs/budgetd/internal/logging"
	"github.com/fyrsmithlabs/budgetd/internal/scrub"
)

// Server is the HTTP transport for one engine.
type Server struct {
	echo     *echo.Echo
	engine   *engine.Engine
	scrubber *scrub.Scrubber
	logger   *logging.Logger
	cfg      *config.Config
	version  string
}

// New creates the HTTP server and registers all routes. A nil scrubber
// stores unit content verbatim.
func New(cfg *config.Config, eng *engine.Engine, scrubber *scrub.Scrubber, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("server")

	m, err := newHTTPMetrics()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(m.middleware())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:     e,
		engine:   eng,
		scrubber: scrubber,
		logger:   logger,
		cfg:      cfg,
	}
	s.registerRoutes()

	return s, nil
}

// SetVersion sets the version string reported by GET /api/v1/status.
func (s *Server) SetVersion(v string) { s.version = v }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/select", s.handleSelect)
	v1.POST("/metrics", s.handleRecordMetric)
	v1.GET("/alerts", s.handleAlerts)
	v1.PUT("/units", s.handlePutUnit)
	v1.GET("/status", s.handleStatus)
	v1.POST("/controller/trigger", s.handleTrigger)
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	}
}

// Start begins serving and blocks until Shutdown or listener failure.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.logger.Info(context.Background(), "http server starting", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "http server stopping")
	return s.echo.Shutdown(ctx)
}
