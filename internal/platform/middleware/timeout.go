package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

// RequestTimeout puts a deadline on every request context. A handler that
// outlives the deadline gets its context cancelled and the client receives a
// 504 with an OperationOutcome, unless the response already started.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
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
				if ctx.Err() != context.DeadlineExceeded {
					// Client went away; nothing sensible to write.
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				outcome := fhir.NewOperationOutcome(
					fhir.IssueSeverityError,
					"timeout",
					"request processing exceeded the allowed time limit",
				)
				return c.JSON(http.StatusGatewayTimeout, outcome)
			}
		}
	}
}
