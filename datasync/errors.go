package datasync

import (
	"fmt"
)

// ErrorCode classifies engine errors so callers can react without
// string matching.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = 0

	// Caller errors
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeInvalidOperation ErrorCode = 1001
	ErrCodeItemNotFound     ErrorCode = 1002
	ErrCodeTableNotDefined  ErrorCode = 1003
	ErrCodeNotInitialized   ErrorCode = 1004

	// Engine errors
	ErrCodeInternal      ErrorCode = 2000
	ErrCodeLocalStore    ErrorCode = 2001
	ErrCodeQueueConflict ErrorCode = 2002
	ErrCodePushAborted   ErrorCode = 2003
)

// SyncError is a structured error with a code and context details.
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// CodeOf extracts the error code, or ErrCodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if se, ok := err.(*SyncError); ok {
		return se.Code
	}
	return ErrCodeInternal
}

// Convenience constructors for common errors

func invalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

func invalidOperation(message string) *SyncError {
	return NewSyncError(ErrCodeInvalidOperation, message, nil)
}

func itemNotFound(table, id string) *SyncError {
	return NewSyncError(ErrCodeItemNotFound, fmt.Sprintf("item not found: %s/%s", table, id), nil).
		WithDetail("table", table).
		WithDetail("item_id", id)
}

func notInitialized() *SyncError {
	return NewSyncError(ErrCodeNotInitialized, "sync context is not initialized", nil)
}

func localStoreError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeLocalStore, message, cause)
}
