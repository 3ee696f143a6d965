package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error types for different domains
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeInternal     ErrorType = "internal"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeFraud        ErrorType = "fraud"
	ErrorTypeChallenge    ErrorType = "challenge"
	ErrorTypeTransient    ErrorType = "transient"
	ErrorTypeIntegrity    ErrorType = "integrity"
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
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
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

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       "UNAUTHORIZED",
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       "FORBIDDEN",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// NewFraudError reports a FraudRejection. reason is the machine readable
// rejection cause (a signal kind, "suspended", "cooldown_active").
func NewFraudError(reason, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeFraud,
		Code:       "FRAUD_REJECTED",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
		Details:    map[string]interface{}{"fraud_reason": reason},
	}
}

// NewChallengeRequiredError tells the caller a verification step must be
// completed before the held bid can commit.
func NewChallengeRequiredError(challengeID string, expiresAt time.Time, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeChallenge,
		Code:       "CHALLENGE_REQUIRED",
		Message:    message,
		Retryable:  false,
		StatusCode: 428,
		Details: map[string]interface{}{
			"challenge_id": challengeID,
			"expires_at":   expiresAt.UTC().Format(time.RFC3339),
		},
	}
}

// NewTransientError reports a bounded wait that ran out. No state was changed.
func NewTransientError(resource, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Code:       "TRANSIENT_UNAVAILABLE",
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
		Details:    map[string]interface{}{"resource": resource},
	}
}

// NewIntegrityError reports a hash chain mismatch. Never retryable.
func NewIntegrityError(index int64, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeIntegrity,
		Code:       "INTEGRITY_FAILURE",
		Message:    message,
		Retryable:  false,
		StatusCode: 500,
		Details:    map[string]interface{}{"first_mismatch_index": index},
	}
}

// Predefined common errors
var (
	ErrAuctionNotFound   = NewNotFoundError("auction")
	ErrAccountNotFound   = NewNotFoundError("account")
	ErrChallengeNotFound = NewNotFoundError("challenge")
	ErrSignalNotFound    = NewNotFoundError("signal")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// AsAppError returns the first *AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := errors.As(err, &appErr)
	return appErr, ok
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// TypeOf returns the ErrorType carried by err, or internal for plain errors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// CodeOf returns the AppError code carried by err, or empty.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
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
