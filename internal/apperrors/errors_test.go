package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_WrapsKindAndCause(t *testing.T) {
	cause := errors.New("ThrottlingException")
	err := New("Launch", "r1", ErrScheduler, cause)

	assert.ErrorIs(t, err, ErrScheduler)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Launch r1: scheduler error: ThrottlingException", err.Error())
}

func TestNew_WithoutCauseOrRunner(t *testing.T) {
	err := New("ParseLabels", "", ErrValidation, nil)

	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, "ParseLabels: validation failed", err.Error())
}

func TestClassifiers(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New("Get", "r1", ErrNotFound, nil))
	assert.True(t, IsNotFound(wrapped))
	assert.False(t, IsConflict(wrapped))
	assert.False(t, IsDependency(wrapped))

	assert.True(t, IsConflict(New("Put", "r1", ErrConflict, nil)))

	for _, kind := range []error{ErrScheduler, ErrRegistry, ErrBuildService, ErrStore} {
		assert.True(t, IsDependency(New("op", "", kind, nil)), kind.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"auth", New("Verify", "", ErrAuth, nil), http.StatusUnauthorized},
		{"validation", New("Parse", "", ErrValidation, nil), http.StatusBadRequest},
		{"not found", New("Get", "r1", ErrNotFound, nil), http.StatusNotFound},
		{"conflict", New("Put", "r1", ErrConflict, nil), http.StatusConflict},
		{"scheduler", New("Launch", "r1", ErrScheduler, nil), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
