// Package apperrors defines the error taxonomy shared by the controller,
// its collaborators and the HTTP-shaped front ends.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.  Every error produced by this module wraps exactly one
// of these so callers can classify it with errors.Is.
var (
	// ErrAuth indicates a missing/invalid webhook signature or a failure to
	// obtain a CI registration credential.
	ErrAuth = errors.New("authentication failed")

	// ErrValidation indicates a malformed payload.  No state is mutated.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound indicates an event referenced an unknown runner id.
	ErrNotFound = errors.New("runner not found")

	// ErrConflict indicates a conditional write lost against a concurrent
	// writer.
	ErrConflict = errors.New("conflicting update")

	// ErrScheduler indicates the container scheduler failed.
	ErrScheduler = errors.New("scheduler error")

	// ErrRegistry indicates the image registry lookup failed.
	ErrRegistry = errors.New("registry error")

	// ErrBuildService indicates the image build service failed.
	ErrBuildService = errors.New("build service error")

	// ErrStore indicates the runner state store failed.
	ErrStore = errors.New("store error")

	// ErrReconciliation indicates the janitor could not reconcile a record.
	ErrReconciliation = errors.New("reconciliation error")
)

// Error wraps a sentinel (or an error wrapping one) with the operation and
// runner it concerns.
type Error struct {
	// Op is the operation that failed (e.g. "NewRunner", "Launch").
	Op string

	// RunnerID is the runner the operation concerned, if known.
	RunnerID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RunnerID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.RunnerID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// New returns an *Error for op wrapping kind.  When cause is non-nil both
// kind and cause remain reachable through errors.Is.
func New(op, runnerID string, kind, cause error) *Error {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &Error{Op: op, RunnerID: runnerID, Err: err}
}

// IsNotFound reports whether err refers to an unknown runner.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a lost conditional write.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsDependency reports whether err originates from a remote dependency
// (scheduler, registry, build service or store).
func IsDependency(err error) bool {
	return errors.Is(err, ErrScheduler) ||
		errors.Is(err, ErrRegistry) ||
		errors.Is(err, ErrBuildService) ||
		errors.Is(err, ErrStore)
}

// HTTPStatus maps err onto the coarse status codes exposed to webhook
// senders and API clients.  A nil error maps to 200.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
