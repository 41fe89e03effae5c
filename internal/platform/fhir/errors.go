package fhir

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/clindata/fhirbridge/internal/cdr"
)

// Engine error taxonomy. Every failure surfaced by the engine wraps exactly
// one of these sentinels so callers can discriminate with errors.Is and map
// the result to a stable wire-level outcome.
var (
	// ErrNotSupported: no handler is registered for the resource type, or
	// the handler does not implement the requested interaction.
	ErrNotSupported = errors.New("not supported")
	// ErrNotFound: unknown id, version, or unresolvable reference.
	ErrNotFound = errors.New("not found")
	// ErrGone: a version-specific read of a deleted resource.
	ErrGone = errors.New("gone")
	// ErrInvalidData: malformed payload or wrong resource type for a handler.
	ErrInvalidData = errors.New("invalid data")
	// ErrConflict: create with a client-supplied id that already exists.
	ErrConflict = errors.New("conflict")
	// ErrMultipleMatches: a lookup that must resolve uniquely did not.
	ErrMultipleMatches = errors.New("multiple matches")
	// ErrValidationFailed: a business-rule or value-shape violation that is
	// reported as a structured outcome.
	ErrValidationFailed = errors.New("validation failed")
)

// NotSupportedf wraps ErrNotSupported with a formatted message.
func NotSupportedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotSupported)...)
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// InvalidDataf wraps ErrInvalidData with a formatted message.
func InvalidDataf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidData)...)
}

// ValidationFailedf wraps ErrValidationFailed with a formatted message.
func ValidationFailedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidationFailed)...)
}

// FromRepository translates repository errors into the engine taxonomy,
// passing through errors that are already classified.
func FromRepository(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cdr.ErrNotFound):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case errors.Is(err, cdr.ErrConflict):
		return fmt.Errorf("%v: %w", err, ErrConflict)
	default:
		return err
	}
}

// StatusForError maps a taxonomy error to an HTTP status code and an
// OperationOutcome body.
func StatusForError(err error) (int, *OperationOutcome) {
	msg := err.Error()
	switch {
	case errors.Is(err, ErrNotSupported):
		return http.StatusMethodNotAllowed, NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, msg)
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, msg)
	case errors.Is(err, ErrGone):
		return http.StatusGone, NewOperationOutcome(IssueSeverityError, IssueTypeDeleted, msg)
	case errors.Is(err, ErrInvalidData):
		return http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, msg)
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, NewOperationOutcome(IssueSeverityError, IssueTypeConflict, msg)
	case errors.Is(err, ErrMultipleMatches):
		return http.StatusPreconditionFailed, NewOperationOutcome(IssueSeverityError, IssueTypeMultipleMatches, msg)
	case errors.Is(err, ErrValidationFailed):
		return http.StatusUnprocessableEntity, NewOperationOutcome(IssueSeverityError, IssueTypeBusinessRule, msg)
	default:
		return http.StatusInternalServerError, NewOperationOutcome(IssueSeverityError, IssueTypeException, msg)
	}
}

// StatusLine renders an HTTP status the way Bundle entry responses carry it,
// e.g. "201 Created".
func StatusLine(code int) string {
	return fmt.Sprintf("%d %s", code, http.StatusText(code))
}
