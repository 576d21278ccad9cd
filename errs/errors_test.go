package errs

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConflictError(t *testing.T) {
	err := fmt.Errorf("update: %w", &ConflictError{ShareID: "s", ItemID: "i", Expected: 3, Actual: 4})
	assert.ErrorIs(t, err, ErrRevisionConflict)

	ce, ok := errors.AsType[*ConflictError](err)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), ce.Actual)
	assert.Contains(t, err.Error(), "expected 3, current 4")
}

func TestInvariantError(t *testing.T) {
	err := &InvariantError{ShareID: "s", Reason: "token gap"}
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.NotErrorIs(t, err, ErrRevisionConflict)
}

func TestValidation(t *testing.T) {
	err := Validationf("item ID must not be empty")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "item ID must not be empty", err.Error())
}

func TestTransient(t *testing.T) {
	assert.NoError(t, Transient("fetch", nil))
	err := Transient("fetch events", io.ErrUnexpectedEOF)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, IsRetryable(ErrKeyUnavailable))
}
