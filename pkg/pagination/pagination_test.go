package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(t *testing.T, query string) Params {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/fhir/Patient?"+query, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContextDefaults(t *testing.T) {
	p := paramsFor(t, "")
	if p.Count != DefaultCount {
		t.Errorf("Count = %d, want %d", p.Count, DefaultCount)
	}
	if p.Offset != 0 {
		t.Errorf("Offset = %d, want 0", p.Offset)
	}
}

func TestFromContextExplicit(t *testing.T) {
	p := paramsFor(t, "_count=25&_offset=100")
	if p.Count != 25 {
		t.Errorf("Count = %d, want 25", p.Count)
	}
	if p.Offset != 100 {
		t.Errorf("Offset = %d, want 100", p.Offset)
	}
}

func TestFromContextClampsCount(t *testing.T) {
	p := paramsFor(t, "_count=100000")
	if p.Count != MaxCount {
		t.Errorf("Count = %d, want %d", p.Count, MaxCount)
	}
}

func TestFromContextIgnoresGarbage(t *testing.T) {
	p := paramsFor(t, "_count=abc&_offset=-5")
	if p.Count != DefaultCount {
		t.Errorf("Count = %d, want %d", p.Count, DefaultCount)
	}
	if p.Offset != 0 {
		t.Errorf("Offset = %d, want 0", p.Offset)
	}
}

func TestPageNavigation(t *testing.T) {
	p := Params{Count: 10, Offset: 20}
	if !p.HasNext(31) {
		t.Error("HasNext(31) = false, want true")
	}
	if p.HasNext(30) {
		t.Error("HasNext(30) = true, want false")
	}
	if !p.HasPrevious() {
		t.Error("HasPrevious() = false, want true")
	}
	if got := p.NextOffset(); got != 30 {
		t.Errorf("NextOffset() = %d, want 30", got)
	}
	if got := p.PreviousOffset(); got != 10 {
		t.Errorf("PreviousOffset() = %d, want 10", got)
	}

	first := Params{Count: 10, Offset: 5}
	if got := first.PreviousOffset(); got != 0 {
		t.Errorf("PreviousOffset() = %d, want 0", got)
	}
}
