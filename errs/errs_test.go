package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNewCarriesCodeAndMessage(t *testing.T) {
	err := New(CodeNotFound, WithMessage("  ticket 42 missing  "))
	if err.Code != CodeNotFound {
		t.Fatalf("code = %q, want %q", err.Code, CodeNotFound)
	}
	if err.Message != "ticket 42 missing" {
		t.Fatalf("message = %q, want trimmed message", err.Message)
	}
}

func TestUnwrapChains(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("dispatch: %w", New(CodeStore, WithCause(cause)))

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
	if CodeOf(err) != CodeStore {
		t.Fatalf("CodeOf = %q, want %q", CodeOf(err), CodeStore)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil envelope", errors.New("plain"), http.StatusInternalServerError},
		{"not found", New(CodeNotFound), http.StatusNotFound},
		{"unauthorized", New(CodeUnauthorized), http.StatusUnauthorized},
		{"invalid", New(CodeInvalid), http.StatusBadRequest},
		{"conflict", New(CodeConflict), http.StatusConflict},
		{"unavailable", New(CodeUnavailable), http.StatusServiceUnavailable},
		{"explicit override", New(CodeInvalid, WithHTTP(http.StatusForbidden)), http.StatusForbidden},
		{"wrapped", fmt.Errorf("outer: %w", New(CodeNotFound)), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := HTTPStatus(tc.err); got != tc.want {
				t.Fatalf("HTTPStatus = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(New(CodeNotFound)) {
		t.Fatal("expected IsNotFound to be true")
	}
	if IsNotFound(New(CodeConflict)) {
		t.Fatal("expected IsNotFound to be false for conflict")
	}
}
