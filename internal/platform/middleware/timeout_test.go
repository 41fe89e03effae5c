package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func timeoutContext(t *testing.T) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequestTimeoutCompletesWithinDeadline(t *testing.T) {
	c, _ := timeoutContext(t)
	called := false
	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		if _, ok := c.Request().Context().Deadline(); !ok {
			t.Error("request context carries no deadline")
		}
		called = true
		return c.NoContent(http.StatusOK)
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler was not called")
	}
}

func TestRequestTimeoutExpiry(t *testing.T) {
	c, rec := timeoutContext(t)
	err := RequestTimeout(50*time.Millisecond)(func(c echo.Context) error {
		select {
		case <-time.After(5 * time.Second):
			return c.NoContent(http.StatusOK)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	var outcome map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if outcome["resourceType"] != "OperationOutcome" {
		t.Errorf("body = %v, want an OperationOutcome", outcome)
	}
}

func TestRequestTimeoutPropagatesHandlerError(t *testing.T) {
	c, _ := timeoutContext(t)
	err := RequestTimeout(5*time.Second)(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	})(c)
	if err == nil {
		t.Fatal("expected the handler error back")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if httpErr.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", httpErr.Code)
	}
}
