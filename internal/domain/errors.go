package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrConflict        = errors.New("resource conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrTooManyAttempts = errors.New("too many attempts")

	// ErrCodeExpired is surfaced distinctly from ErrNotFound for user
	// messaging; expired and unknown codes are otherwise treated alike.
	ErrCodeExpired = errors.New("verification code expired")
)

// ValidationError represents a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// RateLimitError wraps ErrRateLimited with a wait hint for the client.
type RateLimitError struct {
	WaitMinutes int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry in %d minutes", e.WaitMinutes)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}
