package utils

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures so callers can decide between
// refresh-and-retry, explaining the block, or showing "not allowed".
type ErrorKind string

const (
	KindInvalidTransition  ErrorKind = "invalid_transition"
	KindStateConflict      ErrorKind = "state_conflict"
	KindInvariantViolation ErrorKind = "invariant_violation"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	KindPermissionDenied   ErrorKind = "permission_denied"
	KindNotFound           ErrorKind = "not_found"
)

type EngineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches any EngineError of the same kind, so sentinels work with errors.Is.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether a caller may retry after re-reading current state.
func (e *EngineError) Retryable() bool {
	return e.Kind == KindStateConflict || e.Kind == KindStorageUnavailable
}

var (
	ErrInvalidTransition  = &EngineError{Kind: KindInvalidTransition, Message: "invalid transition"}
	ErrStateConflict      = &EngineError{Kind: KindStateConflict, Message: "state conflict"}
	ErrInvariantViolation = &EngineError{Kind: KindInvariantViolation, Message: "invariant violation"}
	ErrStorageUnavailable = &EngineError{Kind: KindStorageUnavailable, Message: "storage unavailable"}
	ErrPermissionDenied   = &EngineError{Kind: KindPermissionDenied, Message: "permission denied"}

	ErrorRecordNotFound = &EngineError{Kind: KindNotFound, Message: "record not found"}
)

func InvalidTransition(format string, args ...any) error {
	return &EngineError{Kind: KindInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

func StateConflict(format string, args ...any) error {
	return &EngineError{Kind: KindStateConflict, Message: fmt.Sprintf(format, args...)}
}

func InvariantViolation(format string, args ...any) error {
	return &EngineError{Kind: KindInvariantViolation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &EngineError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// PermissionDenied never carries detail about the record's state.
func PermissionDenied() error {
	return &EngineError{Kind: KindPermissionDenied, Message: "not allowed"}
}

func StorageUnavailable(err error) error {
	return &EngineError{Kind: KindStorageUnavailable, Message: "changes not applied", Err: err}
}

// KindOf returns the kind of the first EngineError in err's chain, or "" for plain errors.
func KindOf(err error) ErrorKind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
