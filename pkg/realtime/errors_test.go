package realtime

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMatchingByCode(t *testing.T) {
	err := opErr("subscribe", CodeAuthRequired, "channel %q requires an authenticated user", "private-x")

	if !errors.Is(err, ErrAuthRequired) {
		t.Error("Operation error should match its sentinel")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("Operation error should not match a different code")
	}

	t.Run("matching survives wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("handling request: %w", err)
		if !errors.Is(wrapped, ErrAuthRequired) {
			t.Error("Wrapped error should still match the sentinel")
		}
		if CodeOf(wrapped) != CodeAuthRequired {
			t.Errorf("Expected AUTH_REQUIRED, got %s", CodeOf(wrapped))
		}
	})
}

func TestErrorMessageForms(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"op and message", opErr("register", CodePoolExhausted, "pool full"), "register: pool full"},
		{"message only", &Error{Code: CodeNotFound, Message: "not found"}, "not found"},
		{"with cause", &Error{Code: CodeTransportUnavailable, Op: "send", Message: "publish failed", Err: cause}, "send: publish failed: dial tcp: refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("Expected empty code for a foreign error, got %s", got)
	}
	if got := CodeOf(nil); got != "" {
		t.Errorf("Expected empty code for nil, got %s", got)
	}
	if got := CodeOf(ErrRateLimitExceeded); got != CodeRateLimitExceeded {
		t.Errorf("Expected RATE_LIMIT_EXCEEDED, got %s", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &Error{Code: CodeTransportUnavailable, Message: "publish failed", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
}
