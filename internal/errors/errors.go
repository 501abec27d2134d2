package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// Error types for the failure classes of the placement, fit and query pipeline
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypePlacement  ErrorType = "placement"
	ErrorTypeConversion ErrorType = "conversion"
	ErrorTypeHandle     ErrorType = "handle"
	ErrorTypeFit        ErrorType = "fit"
	ErrorTypeQuery      ErrorType = "query"
	ErrorTypeMisuse     ErrorType = "misuse"
	ErrorTypeCleanup    ErrorType = "cleanup"
)

// StructuredError provides rich error context
type StructuredError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Stack     []uintptr
}

// Error implements the error interface
func (e *StructuredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// New creates a new structured error
func New(errType ErrorType, operation, message string) *StructuredError {
	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, operation, message string) *StructuredError {
	if err == nil {
		return nil
	}

	return &StructuredError{
		Type:      errType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Context:   make(map[string]interface{}),
		Stack:     captureStack(),
	}
}

// WithContext adds context information to an error
func (e *StructuredError) WithContext(key string, value interface{}) *StructuredError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsType reports whether any error in err's chain is a StructuredError of type t.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var se *StructuredError
		if !stderrors.As(err, &se) {
			return false
		}
		if se.Type == t {
			return true
		}
		err = se.Cause
	}
	return false
}

// TypeOf returns the type of the outermost StructuredError in err's chain.
func TypeOf(err error) (ErrorType, bool) {
	var se *StructuredError
	if stderrors.As(err, &se) {
		return se.Type, true
	}
	return "", false
}

// captureStack captures the current stack trace
func captureStack() []uintptr {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, this function and the constructor
	return pcs[:n]
}

// NewValidationError creates a validation error
func NewValidationError(operation, message string) *StructuredError {
	return New(ErrorTypeValidation, operation, message)
}

// NewPlacementError creates a placement error
func NewPlacementError(operation, message string) *StructuredError {
	return New(ErrorTypePlacement, operation, message)
}

// NewHandleError creates a handle error
func NewHandleError(operation, message string) *StructuredError {
	return New(ErrorTypeHandle, operation, message)
}

// NewFitError creates a fit error
func NewFitError(operation, message string) *StructuredError {
	return New(ErrorTypeFit, operation, message)
}

// WrapMisuseError wraps an error as a misuse error
func WrapMisuseError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeMisuse, operation, message)
}

// WrapPlacementError wraps an error as a placement error
func WrapPlacementError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypePlacement, operation, message)
}

// WrapConversionError wraps an error as a conversion error
func WrapConversionError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeConversion, operation, message)
}

// WrapHandleError wraps an error as a handle error
func WrapHandleError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeHandle, operation, message)
}

// WrapFitError wraps an error as a fit error
func WrapFitError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeFit, operation, message)
}

// WrapQueryError wraps an error as a query error
func WrapQueryError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeQuery, operation, message)
}

// WrapCleanupError wraps an error as a cleanup error
func WrapCleanupError(err error, operation, message string) *StructuredError {
	return Wrap(err, ErrorTypeCleanup, operation, message)
}
