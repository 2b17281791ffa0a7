package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation ErrorCategory = "validation" // Invalid input
	ErrCatAuth       ErrorCategory = "auth"       // Authentication/authorization failure
	ErrCatSession    ErrorCategory = "session"    // Session binding violation
	ErrCatProtocol   ErrorCategory = "protocol"   // Malformed or unknown request
	ErrCatNotFound   ErrorCategory = "not_found"  // Resource not found
	ErrCatState      ErrorCategory = "state"      // State machine violation
	ErrCatTimeout    ErrorCategory = "timeout"    // Operation timed out
	ErrCatPlugin     ErrorCategory = "plugin"     // Plugin registration/policy failure
	ErrCatInternal   ErrorCategory = "internal"   // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatValidation,
		Code:     code,
		Message:  message,
	}
}

// ErrAuth creates an authentication error.
func ErrAuth(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatAuth,
		Code:     code,
		Message:  message,
	}
}

// ErrSession creates a session binding error.
func ErrSession(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatSession,
		Code:     code,
		Message:  message,
	}
}

// ErrProtocol creates a protocol-level error.
func ErrProtocol(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatProtocol,
		Code:     code,
		Message:  message,
	}
}

// ErrNotFound creates a not found error for a resource kind.
func ErrNotFound(code, resource, id string) *DomainError {
	return &DomainError{
		Category: ErrCatNotFound,
		Code:     code,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// ErrState creates a state machine error.
func ErrState(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatState,
		Code:     code,
		Message:  message,
	}
}

// ErrTimeout creates a timeout error.
func ErrTimeout(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTimeout,
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// ErrPlugin creates a plugin error.
func ErrPlugin(code, message string) *DomainError {
	return &DomainError{
		Category: ErrCatPlugin,
		Code:     code,
		Message:  message,
	}
}

// ErrInternal creates an internal error with a redacted client message.
func ErrInternal(message string) *DomainError {
	return &DomainError{
		Category: ErrCatInternal,
		Code:     CodeInternalError,
		Message:  message,
	}
}

// CodeOf extracts the wire error code from any error.
// Non-domain errors map to INTERNAL_ERROR.
func CodeOf(err error) string {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Code
	}
	return CodeInternalError
}

// GetCategory extracts the error category.
func GetCategory(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, cat ErrorCategory) bool {
	return GetCategory(err) == cat
}

// Wire error codes. These are the codes a client can observe in a
// response envelope or a job/wait result.
const (
	// Auth
	CodeAuthFailed          = "AUTH_FAILED"
	CodeInvalidProfile      = "INVALID_PROFILE"
	CodeAuthorizationDenied = "AUTHORIZATION_DENIED"

	// Session
	CodeSessionOriginMismatch  = "SESSION_ORIGIN_MISMATCH"
	CodeSessionNamespaceDenied = "SESSION_NAMESPACE_DENIED"
	CodeSessionScopeDenied     = "SESSION_SCOPE_DENIED"
	CodeInvalidOrigin          = "INVALID_ORIGIN"

	// Protocol
	CodeUnknownMethod  = "UNKNOWN_METHOD"
	CodeInvalidParams  = "INVALID_PARAMS"
	CodeInvalidTimeout = "INVALID_TIMEOUT"
	CodeNotReady       = "NOT_READY"

	// Resource
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeProjectNotFound     = "PROJECT_NOT_FOUND"
	CodeWorkspaceNotFound   = "WORKSPACE_NOT_FOUND"
	CodeTaskTypeMismatch    = "TASK_TYPE_MISMATCH"
	CodeInvalidWorktreePath = "INVALID_WORKTREE_PATH"
	CodeSessionCreateFailed = "SESSION_CREATE_FAILED"

	// State machine
	CodeReviewNotReady     = "REVIEW_NOT_READY"
	CodeMergeFailed        = "MERGE_FAILED"
	CodeRebaseConflict     = "REBASE_CONFLICT"
	CodeStopPending        = "STOP_PENDING"
	CodeJobTimeout         = "JOB_TIMEOUT"
	CodeWaitTimeout        = "WAIT_TIMEOUT"
	CodeWaitInterrupted    = "WAIT_INTERRUPTED"
	CodeTaskDeleted        = "TASK_DELETED"
	CodeTaskChanged        = "TASK_CHANGED"
	CodeAlreadyAtStatus    = "ALREADY_AT_STATUS"
	CodeChangedSinceCursor = "CHANGED_SINCE_CURSOR"

	// Plugin
	CodePluginPolicyError = "PLUGIN_POLICY_ERROR"

	// Unexpected
	CodeInternalError = "INTERNAL_ERROR"
)
