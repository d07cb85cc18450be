package echoapi

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/trezcool/masomo-notifier/core"
)

// debugOnlyMiddleware hides a route (404) unless the app runs in debug mode.
func debugOnlyMiddleware(debug bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			if !debug {
				return errHttpNotFound
			}
			return next(ctx)
		}
	}
}

func requestLogger(logger core.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		Skipper: func(ctx echo.Context) bool {
			return ctx.Path() == "/metrics" || ctx.Path() == "/healthz"
		},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info(fmt.Sprintf("%s %s %d", v.Method, v.URI, v.Status), map[string]interface{}{
				"latency":   v.Latency.String(),
				"remote_ip": v.RemoteIP,
			})
			return nil
		},
	})
}
