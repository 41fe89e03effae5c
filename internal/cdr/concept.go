// Package cdr holds the clinical data repository's native model: versioned
// entities (patients, persons, places, organizations), versioned acts
// (encounters, observations, conditions), and the repositories that persist
// them as append-only version chains.
package cdr

// Status is the lifecycle status concept carried by every version.
type Status string

const (
	// StatusNew marks a version that has been constructed but not persisted.
	StatusNew Status = "NEW"
	// StatusActive is the normal state of a current version.
	StatusActive Status = "ACTIVE"
	// StatusObsolete marks a soft-deleted record. Prior versions are retained.
	StatusObsolete Status = "OBSOLETE"
	// StatusNullified marks a record entered in error. Terminal.
	StatusNullified Status = "NULLIFIED"
)

// Deleted reports whether the status represents a deleted or deactivated record.
func (s Status) Deleted() bool {
	return s == StatusObsolete || s == StatusNullified
}

// CodedValue is a code drawn from a terminology system.
type CodedValue struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// IsZero reports whether the coded value carries no code.
func (c CodedValue) IsZero() bool {
	return c.Code == "" && c.System == ""
}

// Quantity is a measured amount with an optional coded unit.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}
