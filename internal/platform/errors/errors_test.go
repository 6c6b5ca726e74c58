package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(CodeEngineUnavailable, "translate", stderrors.New("connection refused"))
	if got, want := err.Error(), "translate: connection refused"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got := New(CodeNotFound, "record missing").Error(); got != "record missing" {
		t.Fatalf("Error() = %q, want %q", got, "record missing")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	wrapped := fmt.Errorf("dispatch fr: %w", New(CodeClaimLost, "claim taken over"))
	if !HasCode(wrapped, CodeClaimLost) {
		t.Fatal("expected wrapped error to match CLAIM_LOST")
	}
	if HasCode(wrapped, CodeNotFound) {
		t.Fatal("did not expect NOT_FOUND match")
	}
	if !stderrors.Is(wrapped, &Error{Code: CodeClaimLost}) {
		t.Fatal("expected errors.Is to match by code")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeUnknown)
	}
	err := fmt.Errorf("outer: %w", WithMetadata(CodeIntegrityViolation, "duplicates", map[string]string{"count": "2"}))
	if got := CodeOf(err); got != CodeIntegrityViolation {
		t.Fatalf("CodeOf = %q, want %q", got, CodeIntegrityViolation)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		code Code
		want bool
	}{
		{CodeEngineUnavailable, true},
		{CodeStorageUnavailable, true},
		{CodeEngineRejected, false},
		{CodeInvalidArgument, false},
		{CodeUnknown, false},
	}
	for _, tc := range tests {
		if got := tc.code.Retryable(); got != tc.want {
			t.Fatalf("%s.Retryable() = %v, want %v", tc.code, got, tc.want)
		}
	}
	if IsRetryable(nil) {
		t.Fatal("nil error must not be retryable")
	}
	if !IsRetryable(Wrap(CodeEngineUnavailable, "timeout", nil)) {
		t.Fatal("expected engine unavailable to be retryable")
	}
}

func TestWireCode(t *testing.T) {
	tests := map[Code]string{
		CodeInvalidArgument:   "INVALID_ARGUMENT",
		CodeNotFound:          "NOT_FOUND",
		CodeEngineUnavailable: "UNAVAILABLE",
		CodeEngineRejected:    "FAILED_PRECONDITION",
		CodeDuplicateClaim:    "ALREADY_EXISTS",
		CodeUnknown:           "INTERNAL",
	}
	for code, want := range tests {
		if got := code.WireCode(); got != want {
			t.Fatalf("%s.WireCode() = %q, want %q", code, got, want)
		}
	}
}
