package errors

import (
	"errors"
	"fmt"
)

// Error types for the security subsystem
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeStoreUnavailable ErrorType = "store_unavailable"
	ErrorTypeClassification   ErrorType = "classification"
	ErrorTypeRuleEvaluation   ErrorType = "rule_evaluation"
	ErrorTypeMitigationApply  ErrorType = "mitigation_apply"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

// NewStoreUnavailableError reports that the signal store could not be reached.
// Callers decide between fail-open and fail-closed.
func NewStoreUnavailableError(op string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeStoreUnavailable,
		Code:       "STORE_UNAVAILABLE",
		Message:    fmt.Sprintf("signal store unavailable during %s", op),
		Cause:      cause,
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"operation": op},
	}
}

func NewClassificationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeClassification,
		Code:       "CLASSIFICATION_FAILED",
		Message:    message,
		Cause:      cause,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewRuleEvaluationError(rule, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeRuleEvaluation,
		Code:       "RULE_EVALUATION_FAILED",
		Message:    fmt.Sprintf("rule %s: %s", rule, message),
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"rule": rule},
	}
}

func NewMitigationApplyError(subject, mitigation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeMitigationApply,
		Code:       "MITIGATION_APPLY_FAILED",
		Message:    fmt.Sprintf("failed to apply %s to %s", mitigation, subject),
		Cause:      cause,
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"subject": subject, "mitigation": mitigation},
	}
}

// Predefined common errors
var (
	ErrInvalidEvent  = NewValidationError("INVALID_EVENT", "Invalid security event")
	ErrRuleNotFound  = NewNotFoundError("defense rule")
	ErrAlertNotFound = NewNotFoundError("alert")
)

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
