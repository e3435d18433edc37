package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("oracle/fetch", CodeUnavailable, WithMessage("endpoint timed out"))

	if err == nil {
		t.Fatal("expected non-nil error")
	}

	errStr := err.Error()
	if errStr == "" {
		t.Error("expected non-empty error string")
	}
	if !strings.Contains(errStr, "oracle/fetch") {
		t.Errorf("expected op in error string, got %q", errStr)
	}
	if !strings.Contains(errStr, string(CodeUnavailable)) {
		t.Errorf("expected code in error string, got %q", errStr)
	}
}

func TestWithOrderID(t *testing.T) {
	err := New("reconciler/apply", CodeConflict, WithOrderID("ord-42"))
	if err.OrderID != "ord-42" {
		t.Errorf("expected order id ord-42, got %q", err.OrderID)
	}
	if !strings.Contains(err.Error(), "order_id=ord-42") {
		t.Errorf("expected order id in error string, got %q", err.Error())
	}
}

func TestWithCauseUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := New("oracle/fetch", CodeNetwork, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	wrapped := fmt.Errorf("cycle 3: %w", err)
	var e *E
	if !errors.As(wrapped, &e) {
		t.Fatal("expected errors.As to recover *E through wrapping")
	}
	if e.Code != CodeNetwork {
		t.Errorf("expected network code, got %s", e.Code)
	}
}

func TestWithField(t *testing.T) {
	err := New("fanout/deliver", CodeInternal,
		WithField("subscription", "sub-1"),
		WithField("  ", "ignored"),
		WithField("viewer", "farmer-9"))

	if len(err.Fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(err.Fields))
	}
	str := err.Error()
	if !strings.Contains(str, "subscription") || !strings.Contains(str, "viewer") {
		t.Errorf("expected fields rendered, got %q", str)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != CodeInternal {
		t.Errorf("expected internal for plain error, got %s", got)
	}
	err := fmt.Errorf("outer: %w", New("store/update", CodeConflict))
	if got := CodeOf(err); got != CodeConflict {
		t.Errorf("expected conflict, got %s", got)
	}
}

func TestIsUnavailable(t *testing.T) {
	cases := map[Code]bool{
		CodeUnavailable: true,
		CodeNetwork:     true,
		CodeRateLimited: true,
		CodeConflict:    false,
		CodeInvalid:     false,
	}
	for code, want := range cases {
		if got := IsUnavailable(New("oracle/fetch", code)); got != want {
			t.Errorf("IsUnavailable(%s) = %v, want %v", code, got, want)
		}
	}
}

func TestIsConflict(t *testing.T) {
	if !IsConflict(New("store/update", CodeConflict)) {
		t.Error("expected conflict error to be detected")
	}
	if IsConflict(New("store/update", CodeInvalid)) {
		t.Error("did not expect invalid error to be a conflict")
	}
}

func TestNilError(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Errorf("expected <nil>, got %q", e.Error())
	}
}
