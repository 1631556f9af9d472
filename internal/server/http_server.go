package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	apiecho "github.com/pilab-dev/tenant-sso/api/echo"
	"github.com/pilab-dev/tenant-sso/config"
	"github.com/pilab-dev/tenant-sso/log"
	"github.com/pilab-dev/tenant-sso/middleware"
	"github.com/pilab-dev/tenant-sso/tracing"
)

// NewEcho builds the router with recovery, request ids, security headers, tracing, request
// logging, the error handler and the API routes.
func NewEcho(appLogger log.Logger, errorHandler *middleware.ErrorHandler, api *apiecho.OAuth2API) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler.Handle

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(securityHeaders())
	e.Use(traceRequests())
	e.Use(logRequests(appLogger))

	api.RegisterRoutes(e)
	return e
}

// NewHTTPServer wraps the router in an http.Server listening on the configured port.
func NewHTTPServer(cfg *config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// securityHeaders sets the hardening headers of a JSON-only API. HSTS is only sent on TLS
// requests.
func securityHeaders() echo.MiddlewareFunc {
	return echomw.SecureWithConfig(echomw.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		HSTSPreloadEnabled:    true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	})
}

// traceRequests starts a server span per request, continuing the caller's trace when the
// request carries W3C trace headers.
func traceRequests() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			ctx, span := tracing.Tracer.Start(ctx, req.Method+" "+c.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", c.Path()),
				),
			)
			defer span.End()

			c.SetRequest(req.WithContext(ctx))
			err := next(c)
			if err != nil {
				// render while the span is active so the tracker records on it
				c.Error(err)
			}
			span.SetAttributes(attribute.Int("http.status_code", c.Response().Status))
			return nil
		}
	}
}

func logRequests(appLogger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			appLogger.Info(req.Context(), "HTTP Request", log.Fields{
				"method":     req.Method,
				"path":       req.URL.Path,
				"status":     c.Response().Status,
				"latency":    time.Since(start).String(),
				"ip":         c.RealIP(),
				"user_agent": req.UserAgent(),
				"request_id": c.Response().Header().Get(echo.HeaderXRequestID),
			})
			return nil
		}
	}
}
