package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError(t *testing.T) {
	err := NewValidation("amountUsd", "must be positive")

	if !IsValidation(err) {
		t.Error("IsValidation should match")
	}
	if IsNotFound(err) || IsForbidden(err) || IsInvalidState(err) || IsTransient(err) {
		t.Error("no other predicate should match")
	}
	want := "validation failed: amountUsd: must be positive"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFound("transaction", "abc-123")

	if !IsNotFound(err) {
		t.Error("IsNotFound should match")
	}
	want := "transaction not found: abc-123"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestForbiddenError(t *testing.T) {
	err := NewForbidden("notification", "abc-123")

	if !IsForbidden(err) {
		t.Error("IsForbidden should match")
	}
	if IsNotFound(err) {
		t.Error("IsNotFound should not match")
	}
}

func TestInvalidStateError(t *testing.T) {
	err := NewInvalidState("transaction", "abc-123", "confirmed", "pending")

	if !IsInvalidState(err) {
		t.Error("IsInvalidState should match")
	}
	want := `invalid state: transaction abc-123 is "confirmed", operation requires "pending"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestTransientDeliveryError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransient("email", cause)

	if !IsTransient(err) {
		t.Error("IsTransient should match")
	}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
	want := "transient delivery failure on email: connection reset"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestPredicatesMatchWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("cancel purchase: %w", NewForbidden("transaction", "abc"))

	if !IsForbidden(wrapped) {
		t.Error("IsForbidden should see through wrapping")
	}

	deep := fmt.Errorf("dispatch: %w", NewTransient("sms", errors.New("throttled")))
	if !IsTransient(deep) {
		t.Error("IsTransient should see through wrapping")
	}
}

func TestPredicatesRejectPlainErrors(t *testing.T) {
	err := errors.New("boom")

	if IsValidation(err) || IsNotFound(err) || IsForbidden(err) || IsInvalidState(err) || IsTransient(err) {
		t.Error("plain errors should match no predicate")
	}
	if IsValidation(nil) {
		t.Error("nil should match no predicate")
	}
}
