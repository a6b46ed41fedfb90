package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/rideloka/geocell/internal/pkg/logger"
)

// PanicRecoveryMiddleware recovers from handler panics, logs the stack trace
// and returns a 500 instead of tearing down the agent.
func PanicRecoveryMiddleware(appLogger *logger.AppLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			defer func() {
				if r := recover(); r != nil {
					err, ok := r.(error)
					if !ok {
						err = fmt.Errorf("%v", r)
					}

					appLogger.WithFields(logrus.Fields{
						"method": c.Request().Method,
						"path":   c.Request().URL.Path,
						"stack":  string(debug.Stack()),
					}).WithError(err).Error("Recovered from panic in handler")

					if !c.Response().Committed {
						c.JSON(http.StatusInternalServerError, map[string]string{
							"error": "internal server error",
						})
					}
				}
			}()

			return next(c)
		}
	}
}
