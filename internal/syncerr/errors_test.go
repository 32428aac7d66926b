package syncerr

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError(t *testing.T) {
	err := Invalid("cron_expression", "expected 5 fields, got %d", 6)
	assert.Equal(t, "validation failed: cron_expression: expected 5 fields, got 6", err.Error())
	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(errors.Wrap(err, "create schedule")))
	assert.False(t, IsValidation(errors.New("boom")))

	bare := &ValidationError{Reason: "scope required"}
	assert.Equal(t, "validation failed: scope required", bare.Error())
}

func TestConflictError(t *testing.T) {
	err := errors.Wrap(&ConflictError{RunID: 42, NodeID: "IN-N", AcademicYear: "2024"}, "trigger")

	c, ok := AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(42), c.RunID)
	assert.Contains(t, err.Error(), "run 42 is already in progress")

	_, ok = AsConflict(errors.New("other"))
	assert.False(t, ok)
}

func TestConnectorErrorUnwrap(t *testing.T) {
	cause := errors.New("upstream returned 502")
	err := &ConnectorError{Source: "mb", Endpoint: "students", SchoolID: "s1", Err: cause}

	assert.Equal(t, "mb/students: upstream returned 502", err.Error())
	assert.True(t, errors.Is(err, cause))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(errors.Wrapf(ErrNotFound, "run %d", 7)))
	assert.False(t, IsNotFound(ErrNoSchoolsResolved))
}
