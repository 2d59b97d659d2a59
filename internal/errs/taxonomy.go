package errs

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError carries field-level messages from client-side checks or a
// structured backend body, so forms can render per-field errors.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidation builds a single-field validation error.
func NewValidation(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string][]string{field: {msg}}}
}

// Error implements error, concatenating fields in stable order.
func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return "validation: " + strings.Join(parts, ", ")
}

// APIError is a non-2xx backend response without field detail.
type APIError struct {
	Status  int
	Message string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
}

// NetworkError wraps a transport failure where no response was received.
type NetworkError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *NetworkError) Error() string {
	return fmt.Sprintf("network: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the transport cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// DeviceError is a camera acquisition or capture failure with a user-facing message.
type DeviceError struct {
	Message string
	Err     error
}

// Error implements error.
func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device: %s: %v", e.Message, e.Err)
	}
	return "device: " + e.Message
}

// Unwrap exposes the underlying cause, if any.
func (e *DeviceError) Unwrap() error { return e.Err }
