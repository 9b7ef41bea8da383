package models

import (
	"errors"
	"fmt"
)

// Sentinel errors used across all layers.
var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrValidation        = errors.New("validation error")
	ErrUnknownKind       = errors.New("unknown record kind")
	ErrImmutableField    = errors.New("field is immutable")
	ErrInvalidTransition = errors.New("invalid sync state transition")
	ErrStoreUnavailable  = errors.New("local store unavailable")
	ErrOffline           = errors.New("device is offline")
	ErrAuthentication    = errors.New("authentication failed")
	ErrNoRemoteSession   = errors.New("no active remote session")
	ErrSweepInProgress   = errors.New("sweep already in progress")
	ErrMalformedReceipt  = errors.New("receipt does not confirm record id")
	ErrRejected          = errors.New("rejected by server")
)

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError contains a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	return fmt.Sprintf("validation: %d errors", len(e.Errors))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Errors: []FieldError{{Field: field, Message: message}},
	}
}

// RejectionError is a non-success HTTP answer from a remote endpoint.
// It is retryable: the server gives no taxonomy to tell transient from permanent.
type RejectionError struct {
	StatusCode int
	Body       string
}

func (e *RejectionError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rejected by server: status %d", e.StatusCode)
	}
	return fmt.Sprintf("rejected by server: status %d: %s", e.StatusCode, e.Body)
}

func (e *RejectionError) Unwrap() error { return ErrRejected }
