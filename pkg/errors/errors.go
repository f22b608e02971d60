// Package errors defines unified error types for dispatch operations.
// Admission, routing, queue-transport, and handler failures are all
// mapped to these standard error types.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// GatewayError represents a standardized error from the dispatch core.
// It contains all necessary information for error handling, logging, and
// the client-facing response.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Endpoint   string `json:"endpoint"`
	TenantKey  string `json:"tenant_key,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (endpoint=%s, code=%d)",
		e.Type, e.Message, e.Endpoint, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAdmissionRejected  = "admission_rejected"
	TypeNoAvailableChannel = "no_available_channel"
	TypeQueueTransport     = "queue_transport_error"
	TypeHandlerExecution   = "handler_execution_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeTimeout            = "timeout_error"
	TypeInternalError      = "internal_error"
)

// NewAdmissionRejectedError creates an admission rejection (429). The
// request was denied by the rate budget before any backend was contacted.
func NewAdmissionRejectedError(tenantKey, endpoint string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusTooManyRequests,
		Message:    "rate ceiling exceeded for tenant",
		Type:       TypeAdmissionRejected,
		Endpoint:   endpoint,
		TenantKey:  tenantKey,
		Retryable:  true,
	}
}

// NewNoAvailableChannelError creates a routing failure (503). Operators
// must fix channel configuration; the gateway does not retry.
func NewNoAvailableChannelError(endpoint, model string) *GatewayError {
	msg := fmt.Sprintf("no available channel for endpoint %q", endpoint)
	if model != "" {
		msg = fmt.Sprintf("no available channel for endpoint %q model %q", endpoint, model)
	}
	return &GatewayError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    msg,
		Type:       TypeNoAvailableChannel,
		Endpoint:   endpoint,
		Retryable:  false,
	}
}

// NewQueueTransportError creates a queue transport failure (502).
func NewQueueTransportError(endpoint string, cause error) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadGateway,
		Message:    fmt.Sprintf("queue transport: %v", cause),
		Type:       TypeQueueTransport,
		Endpoint:   endpoint,
		Retryable:  true,
	}
}

// NewHandlerExecutionError creates a handler execution failure (500).
func NewHandlerExecutionError(endpoint, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeHandlerExecution,
		Endpoint:   endpoint,
		Retryable:  false,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(endpoint, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Endpoint:   endpoint,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(endpoint, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Endpoint:   endpoint,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(endpoint, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Endpoint:   endpoint,
		Retryable:  false,
	}
}

// IsType reports whether err is a GatewayError of the given type.
func IsType(err error, errType string) bool {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Type == errType
	}
	return false
}
