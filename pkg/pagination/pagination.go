// Package pagination extracts FHIR paging parameters from requests.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 50
	MaxCount     = 1000
)

// Params holds the paging window of one search or history request.
type Params struct {
	Count  int
	Offset int
}

// FromContext extracts _count and _offset from the request, clamped to
// sane bounds.
func FromContext(c echo.Context) Params {
	count, _ := strconv.Atoi(c.QueryParam("_count"))
	if count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	offset, _ := strconv.Atoi(c.QueryParam("_offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Count: count, Offset: offset}
}

// HasNext reports whether results exist beyond the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Count < total
}

// HasPrevious reports whether results exist before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset of the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Count
}

// PreviousOffset returns the offset of the previous page, floored at zero.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Count
	if prev < 0 {
		return 0
	}
	return prev
}
