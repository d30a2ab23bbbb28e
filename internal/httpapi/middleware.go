package httpapi

import (
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-connection-manager/pkg/logger"
)

// requestContext stamps every request with a request id, taken from
// X-Request-ID when the caller sent one, and attaches a scoped logger.
func requestContext(baseLogger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := tenant.WithRequestID(req.Context(), requestID)
			ctx = logger.WithLogger(ctx, baseLogger.With(zap.String("request_id", requestID)))
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// accessLog writes one line per request and feeds the latency histogram.
func accessLog(baseLogger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler pick the status before it is logged.
				c.Error(err)
			}

			req := c.Request()
			status := c.Response().Status
			elapsed := time.Since(start)
			observer.ObserveHTTPRequest(req.Method, c.Path(), status, elapsed)

			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("route", c.Path()),
				zap.String("uri", req.RequestURI),
				zap.Int("status", status),
				zap.Duration("latency", elapsed),
				zap.String("remote_ip", c.RealIP()),
			}
			log := logger.FromContextOr(req.Context(), baseLogger)
			switch {
			case status >= 500:
				log.Error("HTTP request", fields...)
			case status >= 400:
				log.Warn("HTTP request", fields...)
			default:
				log.Info("HTTP request", fields...)
			}
			return nil
		}
	}
}
