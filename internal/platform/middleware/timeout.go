package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/trialmatch/internal/platform/fhir"
)

// RequestTimeout bounds each request with a context deadline. When the
// deadline passes first the client gets 504; FHIR paths get an
// OperationOutcome body. Export downloads are exempt.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasSuffix(c.Request().URL.Path, "/export") {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return gatewayTimeout(c)
				}
				return ctx.Err()
			}
		}
	}
}

func gatewayTimeout(c echo.Context) error {
	if c.Response().Committed {
		return nil
	}
	const msg = "request processing exceeded the allowed time limit"
	if strings.HasPrefix(c.Request().URL.Path, "/fhir/") {
		return c.JSON(http.StatusGatewayTimeout, fhir.NewOperationOutcome("error", "timeout", msg))
	}
	return c.JSON(http.StatusGatewayTimeout, map[string]string{"message": msg})
}
