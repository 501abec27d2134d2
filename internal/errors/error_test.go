package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError_Error(t *testing.T) {
	// Test error without cause
	err := New(ErrorTypeValidation, "test_op", "test message")
	expected := "[validation] test_op: test message"
	assert.Equal(t, expected, err.Error())

	// Test error with cause
	cause := errors.New("underlying error")
	err = Wrap(cause, ErrorTypeHandle, "open_handle", "failed to open")
	assert.Contains(t, err.Error(), "[handle] open_handle: failed to open")
	assert.Contains(t, err.Error(), "underlying error")
	assert.Equal(t, cause, err.Unwrap())
}

func TestStructuredError_WithContext(t *testing.T) {
	err := New(ErrorTypeConversion, "to_matrix", "bad column")
	err = err.WithContext("device", 3).WithContext("worker", "tcp://10.0.0.1:4000")

	assert.Equal(t, 3, err.Context["device"])
	assert.Equal(t, "tcp://10.0.0.1:4000", err.Context["worker"])
}

func TestErrorConstructors(t *testing.T) {
	assert.Equal(t, ErrorTypeValidation, NewValidationError("op", "msg").Type)
	assert.Equal(t, ErrorTypePlacement, NewPlacementError("op", "msg").Type)
	assert.Equal(t, ErrorTypeHandle, NewHandleError("op", "msg").Type)
	assert.Equal(t, ErrorTypeFit, NewFitError("op", "msg").Type)
	misuse := WrapMisuseError(errors.New("not ready"), "op", "msg")
	assert.Equal(t, ErrorTypeMisuse, misuse.Type)
	typ, ok := TypeOf(fmt.Errorf("outer: %w", misuse))
	assert.True(t, ok)
	assert.Equal(t, ErrorTypeMisuse, typ)
}

func TestErrorWrapping(t *testing.T) {
	originalErr := errors.New("original error")

	wrapped := WrapQueryError(originalErr, "kneighbors", "query failed")
	assert.Equal(t, ErrorTypeQuery, wrapped.Type)
	assert.Equal(t, "kneighbors", wrapped.Operation)
	assert.Equal(t, "query failed", wrapped.Message)
	assert.Equal(t, originalErr, wrapped.Unwrap())
	assert.True(t, errors.Is(wrapped, originalErr))

	// Test that Wrap returns nil for nil error
	assert.Nil(t, Wrap(nil, ErrorTypeFit, "op", "msg"))
}

func TestIsType(t *testing.T) {
	cause := WrapHandleError(errors.New("ipc closed"), "close", "close failed")
	outer := WrapCleanupError(cause, "teardown", "handle teardown failed")
	chained := fmt.Errorf("fit: %w", outer)

	assert.True(t, IsType(chained, ErrorTypeCleanup))
	assert.True(t, IsType(chained, ErrorTypeHandle))
	assert.False(t, IsType(chained, ErrorTypeQuery))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeHandle))

	typ, ok := TypeOf(chained)
	assert.True(t, ok)
	assert.Equal(t, ErrorTypeCleanup, typ)
}

func TestStackTraceCapture(t *testing.T) {
	err := New(ErrorTypeValidation, "test", "message")
	// Should have captured some stack frames
	assert.Greater(t, len(err.Stack), 0)
}
