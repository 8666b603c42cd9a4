package domain

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a schedule or request that must not be persisted.
	ErrValidation = errors.New("validation failed")

	// ErrCooldownViolation rejects a manual trigger inside the cooldown window.
	ErrCooldownViolation = errors.New("manual refresh cooldown window has not elapsed")

	// ErrConcurrencyViolation rejects a trigger when the dataset is at its ceiling.
	ErrConcurrencyViolation = errors.New("a refresh is already running for this dataset")

	// ErrGatewayFailure means the run was recorded but the refresh API call failed.
	ErrGatewayFailure = errors.New("refresh gateway call failed")
)

// ValidationError lists every problem found in a schedule.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid schedule: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}
