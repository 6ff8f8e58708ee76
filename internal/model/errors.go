package model

import (
	"errors"
	"fmt"
)

// Domain errors shared by every layer. Wrap with fmt.Errorf("...: %w", err)
// and match with errors.Is.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAccessDenied           = errors.New("access denied")
	ErrNotFound               = errors.New("not found")
	ErrNotAvailable           = errors.New("exam not currently available")
	ErrInvalidTransition      = errors.New("invalid session transition")
	ErrValidation             = errors.New("validation error")
	ErrCorruptLog             = errors.New("corrupt log record")
	ErrSensorUnavailable      = errors.New("sensor unavailable")
)

// ErrInvalidState is returned by the event log for appends on a session that
// has already left the in-progress state.
var ErrInvalidState = fmt.Errorf("session not in progress: %w", ErrInvalidTransition)
