package points

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the points engine.
var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidRecipient     = errors.New("invalid recipient")
	ErrSelfTransfer         = errors.New("cannot donate to self")
	ErrDonationsDisabled    = errors.New("donations disabled for group")
	ErrFloodLimitExceeded   = errors.New("transfer flood limit exceeded")
	ErrPersistenceFailure   = errors.New("persistence failure")
	ErrRuleStoreStale       = errors.New("rule store never rebuilt")
	ErrUnknownUser          = errors.New("unknown user")
	ErrUnknownLogEntry      = errors.New("unknown log entry")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrInvalidCursor        = errors.New("invalid batch cursor")
)

// FloodLimitError carries the sender's current count inside the window so
// callers can render it.
type FloodLimitError struct {
	Count int
}

// Error returns the formatted error message.
func (floodError FloodLimitError) Error() string {
	return fmt.Sprintf("%v: %d recent transfers", ErrFloodLimitExceeded, floodError.Count)
}

// Unwrap ties the typed error to the sentinel.
func (floodError FloodLimitError) Unwrap() error {
	return ErrFloodLimitExceeded
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
