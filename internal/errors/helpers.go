package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Local storage operation failed")
}

// NewNetworkError creates a retryable error for a request that never got a
// usable answer from the backend.
func NewNetworkError(endpoint string, err error) *AppError {
	return WrapRetryable(err, ErrCodeNetwork, "request failed").
		WithContext("endpoint", endpoint).
		WithUserMessage("Network error, check your connection")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewAuthError creates an authentication error. The caller must re-authenticate.
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Session expired, please sign in again")
}

func NewAuthorizationError(resource string) *AppError {
	return New(ErrCodeAuthorization, "access denied").
		WithContext("resource", resource).
		WithUserMessage("You do not have access to this conversation")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// NewTransportUnavailableError is returned by outbound actions while the live
// feed is disconnected.
func NewTransportUnavailableError(operation string) *AppError {
	return New(ErrCodeTransportUnavailable, "live feed not connected").
		WithContext("operation", operation).
		WithUserMessage("Not connected, please try again")
}

// FromHTTPStatus maps a non-2xx backend response to the error taxonomy.
// 5xx, 408 and 429 are treated as retryable network failures.
func FromHTTPStatus(service, endpoint string, statusCode int, body string) *AppError {
	var appErr *AppError
	switch {
	case statusCode == http.StatusUnauthorized:
		appErr = NewAuthError(fmt.Sprintf("%s returned 401", service))
	case statusCode == http.StatusForbidden:
		appErr = NewAuthorizationError(endpoint)
	case statusCode == http.StatusNotFound:
		appErr = NewNotFoundError("resource", endpoint)
	case statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout:
		appErr = NewNetworkError(endpoint, fmt.Errorf("status %d: %s", statusCode, body))
	default:
		appErr = New(ErrCodeValidationFailed, fmt.Sprintf("%s rejected request", service)).
			WithUserMessage("Request rejected")
		if body != "" {
			appErr = appErr.WithContext("body", body)
		}
	}
	return appErr.
		WithContext("service", service).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
}
