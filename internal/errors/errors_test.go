package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	cause := stderrors.New("connection reset")

	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"not found crate", &NotFoundError{Name: "serde"}, ErrNotFound},
		{"not found version", &NotFoundError{Name: "serde", Version: "1.0.0"}, ErrNotFound},
		{"conflict", &ConflictError{Name: "serde", Version: "1.0.0"}, ErrConflict},
		{"storage", &StorageError{Op: "put", Key: "crates/a/1.0.0/a-1.0.0.crate", Err: cause}, ErrStorage},
		{"storage cause", &StorageError{Op: "put", Err: cause}, cause},
		{"parse", &ParseError{Key: "k", Err: cause}, ErrParse},
		{"invalid", Invalid("name", "empty"), ErrInvalid},
		{"wrapped", fmt.Errorf("publishing: %w", &ConflictError{Name: "a", Version: "1.0.0"}), ErrConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !stderrors.Is(tt.err, tt.target) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.target)
			}
		})
	}
}

func TestStorageErrorMessage(t *testing.T) {
	err := &StorageError{Op: "get", Key: "crates/a", Status: 503, Err: stderrors.New("slow down")}
	want := "storage get crates/a (status 503): slow down"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConflictErrorCaseCollision(t *testing.T) {
	err := &ConflictError{Name: "Serde", Version: "1.0.0", Existing: "serde"}
	want := "crate name Serde conflicts with existing crate serde"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestToAPI(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", &NotFoundError{Name: "x"}, http.StatusNotFound, "NotFound"},
		{"conflict", &ConflictError{Name: "x", Version: "1.0.0"}, http.StatusConflict, "Conflict"},
		{"invalid", Invalid("version", "not semver"), http.StatusBadRequest, "BadRequest"},
		{"storage", &StorageError{Op: "put", Err: stderrors.New("boom")}, http.StatusInternalServerError, "StorageError"},
		{"api passthrough", ErrAPITooLarge, http.StatusRequestEntityTooLarge, "PayloadTooLarge"},
		{"unknown", stderrors.New("weird"), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToAPI(tt.err)
			if got.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", got.HTTPStatus, tt.wantStatus)
			}
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}

	if ToAPI(nil) != nil {
		t.Error("ToAPI(nil) should be nil")
	}
}

func TestToAPIStorageHidesCause(t *testing.T) {
	got := ToAPI(&StorageError{Op: "put", Err: stderrors.New("secret-bucket denied")})
	if got.Detail != ErrAPIStorage.Detail {
		t.Errorf("Detail = %q, want generic storage detail", got.Detail)
	}
}

func TestWithDetailDoesNotMutate(t *testing.T) {
	cp := ErrAPINotFound.WithDetail("crate x not found")
	if ErrAPINotFound.Detail != "Not found" {
		t.Errorf("original mutated: %q", ErrAPINotFound.Detail)
	}
	if cp.Detail != "crate x not found" {
		t.Errorf("copy Detail = %q", cp.Detail)
	}
}
