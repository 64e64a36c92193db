package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("borrow: %w", Forbidden("borrow.owner", "you cannot borrow your own book"))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden kind, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("did not expect not found kind")
	}
	if got := GuardOf(err); got != "borrow.owner" {
		t.Fatalf("guard = %q", got)
	}
	if got := MessageOf(err); got != "you cannot borrow your own book" {
		t.Fatalf("message = %q", got)
	}
}

func TestDeliveryKeepsCause(t *testing.T) {
	cause := errors.New("smtp: connection refused")
	err := Delivery("activation.send", cause)
	if !errors.Is(err, ErrDelivery) || !errors.Is(err, cause) {
		t.Fatalf("expected delivery kind and cause, got %v", err)
	}
	if err.Error() != "failed to deliver notification: smtp: connection refused" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestGuardOfPlainError(t *testing.T) {
	if got := GuardOf(errors.New("boom")); got != "" {
		t.Fatalf("expected empty guard, got %q", got)
	}
	if got := MessageOf(nil); got != "" {
		t.Fatalf("expected empty message, got %q", got)
	}
}
