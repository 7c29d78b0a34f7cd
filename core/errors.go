package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation                = errors.New("validation failed")
	ErrChallengeNotFound         = errors.New("challenge not found")
	ErrChallengeExpired          = errors.New("challenge has expired")
	ErrNoCredential              = errors.New("no credential registered for wallet")
	ErrUnknownCredential         = errors.New("unknown credential")
	ErrCredentialExists          = errors.New("credential already registered")
	ErrPossibleReplay            = errors.New("signature counter did not increase, possible replay")
	ErrVerificationFailed        = errors.New("credential verification failed")
	ErrPhishingSourceUnavailable = errors.New("phishing source unavailable")
	ErrProfileWriteConflict      = errors.New("behavior profile write conflict")
	ErrProfileNotFound           = errors.New("behavior profile not found")
	ErrUserNotFound              = errors.New("user not found")
	ErrTokenExpired              = errors.New("token has expired")
	ErrInvalidToken              = errors.New("invalid token")
	ErrSessionInvalid            = errors.New("session is invalid")
	ErrSessionNotFound           = errors.New("session not found")
)

// ValidationError reports malformed input for a single field.
// It matches ErrValidation under errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError for field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
