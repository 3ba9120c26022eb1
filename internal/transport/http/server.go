// Package http provides the HTTP server for the agent API.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xiaot623/agentloop/internal/hub"
	"github.com/xiaot623/agentloop/internal/service"
	v1 "github.com/xiaot623/agentloop/internal/transport/http/v1"
	"go.uber.org/zap"
)

// Options wire the optional parts of the server.
type Options struct {
	// JWTSecret enables bearer auth; empty trusts the identity headers.
	JWTSecret string
	Logger    *zap.Logger
	// Gatherer backs /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	// Watch serves session websockets; nil disables the route.
	Watch *hub.Server
	DB    v1.Pinger
}

// NewServer creates and configures the HTTP server.
func NewServer(svc *service.Service, opts Options) *echo.Echo {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logger.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	handler := v1.NewHandler(svc, opts.Watch, opts.DB, logger)

	// Register Routes
	handler.RegisterRoutes(e, v1.Authenticate(opts.JWTSecret))
	if opts.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	return e
}
