package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeProcess           ErrorType = "process"
	ErrorTypeAddressResolution ErrorType = "address_resolution"
	ErrorTypeStartupTimeout    ErrorType = "startup_timeout"
	ErrorTypeWorkerExit        ErrorType = "worker_exit"
	ErrorTypeIO                ErrorType = "io"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeCancelled         ErrorType = "cancelled"
)

// ContextKeyExitCode is the context key holding a worker's exit status
const ContextKeyExitCode = "exit_code"

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

func NewProcessError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeProcess, message, cause)
}

// NewAddressResolutionError reports a malformed address or port. It is never retried.
func NewAddressResolutionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeAddressResolution, message, cause)
}

// NewStartupTimeoutError reports a worker that never became reachable in time
func NewStartupTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStartupTimeout, message, cause)
}

// NewWorkerExitError reports a worker process that exited with a non-zero status
func NewWorkerExitError(code int, cause error) *DomainError {
	return NewDomainError(ErrorTypeWorkerExit, fmt.Sprintf("worker exited with code %d", code), cause).
		WithContext(ContextKeyExitCode, code)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// Error checking helpers
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsProcessError(err error) bool {
	return isType(err, ErrorTypeProcess)
}

func IsAddressResolutionError(err error) bool {
	return isType(err, ErrorTypeAddressResolution)
}

func IsStartupTimeoutError(err error) bool {
	return isType(err, ErrorTypeStartupTimeout)
}

func IsWorkerExitError(err error) bool {
	return isType(err, ErrorTypeWorkerExit)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// isType walks the whole chain, so a worker_exit wrapped in a process error still matches
func isType(err error, errorType ErrorType) bool {
	for err != nil {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			return false
		}
		if domainErr.Type == errorType {
			return true
		}
		err = domainErr.Cause
	}
	return false
}

// ExitCode extracts the worker exit status from a worker_exit error anywhere in the chain
func ExitCode(err error) (int, bool) {
	for err != nil {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) {
			return 0, false
		}
		if domainErr.Type == ErrorTypeWorkerExit {
			code, ok := domainErr.Context[ContextKeyExitCode].(int)
			return code, ok
		}
		err = domainErr.Cause
	}
	return 0, false
}

// ErrorCollection aggregates errors from bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the earliest collected error, or nil
func (e *ErrorCollection) First() error {
	if !e.HasErrors() {
		return nil
	}
	return e.Errors[0]
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}

// Unwrap exposes every collected error to errors.Is and errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

// Is and As forward to the standard library so callers need a single errors import
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
