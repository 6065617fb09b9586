package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the hub. Producers wrap one of these with
// fmt.Errorf("...: %w", ...) and callers classify with errors.Is.
var (
	// ErrValidation marks malformed input. It is rejected and never persisted.
	ErrValidation = errors.New("validation failed")

	// ErrAuthentication marks a bad, expired or revoked secret.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNotFound marks an unknown unit, route, event or credential.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks an unavailable storage collaborator. The caller may retry.
	ErrTransient = errors.New("transient store failure")

	// ErrConflict marks a uniqueness violation, such as a duplicate credential digest.
	ErrConflict = errors.New("conflict")

	// ErrDeviceBusy is returned when a device id already has a live session and the hub rejects newcomers.
	ErrDeviceBusy = errors.New("device already connected")
)

// Validationf returns an ErrValidation wrapping a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient wraps err as a retryable store failure. Errors already classified are returned unchanged.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsClassified reports whether err already belongs to the taxonomy.
func IsClassified(err error) bool {
	for _, target := range []error{ErrValidation, ErrAuthentication, ErrNotFound, ErrTransient, ErrConflict, ErrDeviceBusy} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
