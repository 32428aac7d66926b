// Package syncerr defines the error taxonomy shared by the trigger, execution
// and API layers.
//
// Validation and conflict errors are rejected synchronously and never create a
// run. ErrNoSchoolsResolved is the only run-level fatal condition raised by the
// dispatcher. ConnectorError is contained to a single school and is recorded on
// that school's row rather than propagated.
package syncerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotFound indicates the requested schedule or run does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoSchoolsResolved indicates a trigger scope expanded to zero schools.
	ErrNoSchoolsResolved = errors.New("no schools resolved for trigger scope")
)

// ValidationError reports malformed trigger or schedule input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ConflictError reports that a pending or running run already covers the scope.
type ConflictError struct {
	RunID        int64
	NodeID       string
	AcademicYear string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("run %d is already in progress for node %s, academic year %s",
		e.RunID, e.NodeID, e.AcademicYear)
}

// ConnectorError wraps a failed upstream endpoint call for one school.
type ConnectorError struct {
	Source   string
	Endpoint string
	SchoolID string
	Err      error
}

func (e *ConnectorError) Error() string {
	return fmt.Sprintf("%s/%s: %v", e.Source, e.Endpoint, e.Err)
}

func (e *ConnectorError) Unwrap() error { return e.Err }

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var c *ConflictError
	if errors.As(err, &c) {
		return c, true
	}
	return nil, false
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
