package cdr

import (
	"encoding/json"
	"fmt"
	"time"
)

// DatePrecision records how much of a date was actually supplied.
type DatePrecision int

const (
	PrecisionYear DatePrecision = iota
	PrecisionMonth
	PrecisionDay
	PrecisionFull
)

// Date is a point in time together with the precision it was captured at.
// Partial dates ("1984", "1984-06") round-trip without inventing components.
type Date struct {
	Time      time.Time
	Precision DatePrecision
}

var precisionLayouts = map[DatePrecision]string{
	PrecisionYear:  "2006",
	PrecisionMonth: "2006-01",
	PrecisionDay:   "2006-01-02",
	PrecisionFull:  time.RFC3339,
}

// ParseDate parses a FHIR date or dateTime string, keeping track of precision.
func ParseDate(s string) (Date, error) {
	for _, p := range []DatePrecision{PrecisionFull, PrecisionDay, PrecisionMonth, PrecisionYear} {
		if t, err := time.Parse(precisionLayouts[p], s); err == nil {
			return Date{Time: t, Precision: p}, nil
		}
	}
	return Date{}, fmt.Errorf("unparseable date %q", s)
}

// String renders the date at its captured precision.
func (d Date) String() string {
	return d.Time.Format(precisionLayouts[d.Precision])
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Time.IsZero()
}

// MarshalJSON renders the date at its captured precision. An unset date
// marshals as null.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

// UnmarshalJSON parses a date string at any supported precision.
func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Interval is a period of time with optional open ends.
type Interval struct {
	Start *time.Time `json:"start,omitempty"`
	Stop  *time.Time `json:"stop,omitempty"`
}
