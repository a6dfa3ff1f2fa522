package service

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRunning    = errors.New("already running")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotRetryable      = errors.New("item is not in a retryable state")
	ErrConfig            = errors.New("configuration error")
	ErrNoContent         = errors.New("generation returned no content")
	ErrDependencyFailed  = errors.New("dependency failed")
	ErrPrerequisite      = errors.New("prerequisite missing")
	ErrDuplicateItem     = errors.New("duplicate item")
)

// TransientError is a failure the generation service may not repeat.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error (status %d): %v", e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// retryableStatus lists the status codes retried by the generation adapter.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
