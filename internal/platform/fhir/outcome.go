package fhir

import "fmt"

// OperationOutcome severity levels per FHIR R4.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4.
const (
	IssueTypeInvalid         = "invalid"
	IssueTypeStructure       = "structure"
	IssueTypeRequired        = "required"
	IssueTypeValue           = "value"
	IssueTypeNotFound        = "not-found"
	IssueTypeConflict        = "conflict"
	IssueTypeProcessing      = "processing"
	IssueTypeNotSupported    = "not-supported"
	IssueTypeBusinessRule    = "business-rule"
	IssueTypeDuplicate       = "duplicate"
	IssueTypeDeleted         = "deleted"
	IssueTypeCodeInvalid     = "code-invalid"
	IssueTypeMultipleMatches = "multiple-matches"
	IssueTypeException       = "exception"
)

// OperationOutcome reports the outcome of an operation, typically a failure.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue is one issue within an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
	Expression  []string         `json:"expression,omitempty"`
}

// NewOperationOutcome creates a single-issue outcome.
func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

// ErrorOutcome creates a generic error outcome.
func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeProcessing, diagnostics)
}

// NotFoundOutcome creates an outcome for an unknown resource.
func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// GoneOutcome creates a 410-style outcome for a deleted resource version.
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(
		IssueSeverityError,
		IssueTypeDeleted,
		fmt.Sprintf("%s/%s has been deleted", resourceType, id),
	)
}

// SuccessOutcome creates an informational outcome for affirmative results.
func SuccessOutcome(message string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityInformation, IssueTypeProcessing, message)
}

// IssuesOutcome creates an outcome carrying a list of accumulated issues,
// for example the non-fatal issues collected in a ConversionContext.
func IssuesOutcome(issues []OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}
