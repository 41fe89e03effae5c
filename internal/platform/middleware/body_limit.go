package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clindata/fhirbridge/internal/platform/fhir"
)

// BodyLimit caps request body sizes. defaultLimit applies everywhere except
// the system endpoint: a transaction or batch Bundle POSTed to /fhir may
// legitimately be much larger than a single resource, so it gets bundleLimit.
//
// Limits are size strings: "1M", "512K", "8M". A bare number is bytes. An
// over-limit request is answered with 413 and an OperationOutcome.
func BodyLimit(defaultLimit, bundleLimit string) echo.MiddlewareFunc {
	defaultBytes := parseSize(defaultLimit)
	bundleBytes := parseSize(bundleLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if req.Method == http.MethodPost && isSystemEndpoint(req.URL.Path) {
				limit = bundleBytes
			}

			// Content-Length lets us refuse before reading anything; the
			// capped reader catches chunked bodies that lie or omit it.
			if req.ContentLength > limit {
				return rejectTooLarge(c, limit)
			}
			req.Body = &cappedReader{inner: req.Body, left: limit}

			return next(c)
		}
	}
}

func isSystemEndpoint(path string) bool {
	return path == "/fhir" || path == "/fhir/"
}

type cappedReader struct {
	inner io.ReadCloser
	left  int64
	blown bool
}

func (r *cappedReader) Read(p []byte) (int, error) {
	if r.blown {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	// Read one byte past the cap so overflow is detectable.
	if max := r.left + 1; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := r.inner.Read(p)
	r.left -= int64(n)
	if r.left < 0 {
		r.blown = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return n, err
}

func (r *cappedReader) Close() error { return r.inner.Close() }

func rejectTooLarge(c echo.Context, limit int64) error {
	outcome := fhir.NewOperationOutcome(
		fhir.IssueSeverityError,
		"too-costly",
		"request body exceeds the "+strconv.FormatInt(limit, 10)+" byte limit",
	)
	return c.JSON(http.StatusRequestEntityTooLarge, outcome)
}

// parseSize reads a size string into bytes. Unparseable input falls back to
// 1 MB rather than failing startup.
func parseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	var unit int64 = 1
	switch {
	case strings.HasSuffix(s, "G"), strings.HasSuffix(s, "GB"):
		unit = 1 << 30
		s = strings.TrimRight(s, "GB")
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "MB"):
		unit = 1 << 20
		s = strings.TrimRight(s, "MB")
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "KB"):
		unit = 1 << 10
		s = strings.TrimRight(s, "KB")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 1 << 20
	}
	return n * unit
}
