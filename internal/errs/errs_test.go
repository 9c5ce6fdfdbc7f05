package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		name     string
		kind     Kind
		expected string
	}{
		{"invalid input", InvalidInput, "invalid_input"},
		{"not found", NotFound, "not_found"},
		{"permission denied", PermissionDenied, "permission_denied"},
		{"conflict", Conflict, "conflict"},
		{"io", Io, "io"},
		{"protocol", Protocol, "protocol"},
		{"budget exhausted", BudgetExhausted, "budget_exhausted"},
		{"blocked", Blocked, "blocked"},
		{"unknown", Unknown, "unknown"},
		{"unrecognized value", Kind(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.String())
		})
	}
}

func TestErrorMessage(t *testing.T) {
	withCause := Wrap(Io, "pkg.Op", "read failed", errors.New("disk full"))
	assert.Equal(t, "pkg.Op: read failed: disk full", withCause.Error())

	bare := New(InvalidInput, "pkg.Op", "bad input")
	assert.Equal(t, "pkg.Op: bad input", bare.Error())
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := Wrap(Io, "pkg.Op", "failed", cause)
	assert.Same(t, cause, errors.Unwrap(wrapped))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"direct error", New(NotFound, "op", "missing"), NotFound},
		{"wrapped via fmt", fmt.Errorf("context: %w", New(Conflict, "op", "busy")), Conflict},
		{"plain error", errors.New("plain"), Unknown},
		{"nil error", nil, Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestIs(t *testing.T) {
	err := Wrap(BudgetExhausted, "op", "out of fuel", nil)
	assert.True(t, Is(err, BudgetExhausted))
	assert.False(t, Is(err, Blocked))
}
