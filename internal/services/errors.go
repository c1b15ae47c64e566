package services

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the pipeline wraps exactly one of these
// so callers can branch with errors.Is instead of inspecting messages.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrDependencyFailed      = errors.New("dependency call failed")
	ErrResourceExhausted     = errors.New("resource exhausted")
	ErrIntegrity             = errors.New("integrity violation")
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid submission state")
	ErrStateConflict         = errors.New("submission state changed concurrently")

	ErrInvalidDocument    = fmt.Errorf("%w: unreadable or empty document", ErrInvalidInput)
	ErrDetection          = errors.New("pii detection failed")
	ErrResolutionMismatch = errors.New("redaction region outside page bounds")
	ErrObjectNotFound     = errors.New("blob not found")
	ErrObjectExists       = errors.New("blob already exists")
)

// StepError records which pipeline step failed and for which submission.
type StepError struct {
	Step          string
	Kind          error
	UserID        string
	CorrelationID string
	Cause         error
}

func (e *StepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Step, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Kind)
}

func (e *StepError) Unwrap() []error {
	return []error{e.Kind, e.Cause}
}

func newStepError(step string, kind error, userID, correlationID string, cause error) *StepError {
	return &StepError{
		Step:          step,
		Kind:          kind,
		UserID:        userID,
		CorrelationID: correlationID,
		Cause:         cause,
	}
}

// classify picks the error kind for a dependency failure. Causes that already
// carry a kind keep it; anything else is a failed dependency call.
func classify(err error) error {
	for _, kind := range []error{
		ErrInvalidInput,
		ErrResourceExhausted,
		ErrIntegrity,
		ErrDependencyUnavailable,
		ErrNotFound,
		ErrInvalidState,
		ErrStateConflict,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, ErrObjectNotFound) {
		return ErrIntegrity
	}
	return ErrDependencyFailed
}

// Retryable reports whether re-invoking the failed operation is safe and may succeed.
// Transient capacity errors, interrupted approvals (integrity) and lost
// compare-and-set races are retryable. Input, ownership and configuration errors are not.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidState):
		return false
	case errors.Is(err, ErrResourceExhausted),
		errors.Is(err, ErrIntegrity),
		errors.Is(err, ErrStateConflict):
		return true
	}
	return false
}
