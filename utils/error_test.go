package utils

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorMatchesByKind(t *testing.T) {
	err := fmt.Errorf("issue document: %w", StateConflict("job %s changed", "JOB-000001"))

	if !errors.Is(err, ErrStateConflict) {
		t.Fatalf("wrapped state conflict does not match sentinel")
	}
	if errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("state conflict matched invalid transition")
	}
	if KindOf(err) != KindStateConflict {
		t.Fatalf("kind=%q", KindOf(err))
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no kind")
	}
	if !errors.Is(NotFound("job %s not found", "x"), ErrorRecordNotFound) {
		t.Fatalf("not found does not match ErrorRecordNotFound")
	}
}

func TestStorageUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := StorageUnavailable(cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost")
	}
	if err.Error() != "changes not applied: connection refused" {
		t.Fatalf("message=%q", err.Error())
	}

	var e *EngineError
	if !errors.As(err, &e) || !e.Retryable() {
		t.Fatalf("storage errors are retryable")
	}
	if errors.As(InvariantViolation("x"), &e) && e.Retryable() {
		t.Fatalf("invariant violations are not retryable")
	}
}

func TestPermissionDeniedHidesDetail(t *testing.T) {
	if PermissionDenied().Error() != "not allowed" {
		t.Fatalf("message=%q", PermissionDenied().Error())
	}
}

func TestHelpers(t *testing.T) {
	got := UniqueSlice([]string{"a", "b", "a", "c", "b"})
	if fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("unique=%v", got)
	}
	a, b := "x", "x"
	if !PtrEqual(&a, &b) || PtrEqual(&a, nil) || !PtrEqual[string](nil, nil) {
		t.Fatalf("PtrEqual mismatch")
	}
	if NilIfEmpty("") != nil || *NilIfEmpty("v") != "v" {
		t.Fatalf("NilIfEmpty mismatch")
	}
	if DereferencePtr[string](nil, "fallback") != "fallback" {
		t.Fatalf("DereferencePtr default not used")
	}
}
