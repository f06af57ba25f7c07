// Package errors defines the registry error taxonomy and the Cargo-compatible
// API errors derived from it.
//
// Core operations return the typed errors below. Each unwraps to one of the
// sentinel values so callers can branch with errors.Is without depending on
// the concrete type.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the four outcome classes of registry operations.
var (
	// ErrNotFound means the requested crate or version is not in the index.
	ErrNotFound = stderrors.New("not found")
	// ErrConflict means a publish targeted an already-published version.
	ErrConflict = stderrors.New("already exists")
	// ErrStorage means an object store operation failed.
	ErrStorage = stderrors.New("storage error")
	// ErrParse means a stored metadata object could not be decoded. It is only
	// produced during bootstrap and never reaches a request caller.
	ErrParse = stderrors.New("parse error")
	// ErrInvalid means the caller supplied malformed input.
	ErrInvalid = stderrors.New("invalid request")
)

// NotFoundError reports a missing crate, or a missing version of a crate.
type NotFoundError struct {
	Name    string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("crate %s version %s not found", e.Name, e.Version)
	}
	return fmt.Sprintf("crate %s not found", e.Name)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError reports a publish of a (name, version) pair that is already
// present in the index. Existing is set when the conflict is with a crate
// whose name differs only in case.
type ConflictError struct {
	Name     string
	Version  string
	Existing string
}

func (e *ConflictError) Error() string {
	if e.Existing != "" && e.Existing != e.Name {
		return fmt.Sprintf("crate name %s conflicts with existing crate %s", e.Name, e.Existing)
	}
	return fmt.Sprintf("crate %s version %s is already published", e.Name, e.Version)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// StorageError reports a failed object store operation. Status carries the
// remote HTTP status when the backend exposes one, and 0 otherwise.
type StorageError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *StorageError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("storage %s %s (status %d): %v", e.Op, e.Key, e.Status, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() []error { return []error{ErrStorage, e.Err} }

// ParseError reports a metadata object that could not be decoded.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s: %v", e.Key, e.Err)
}

func (e *ParseError) Unwrap() []error { return []error{ErrParse, e.Err} }

// InvalidError reports malformed caller input such as a bad crate name.
type InvalidError struct {
	Field  string
	Reason string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidError) Unwrap() error { return ErrInvalid }

// Invalid is shorthand for constructing an InvalidError.
func Invalid(field, format string, args ...any) error {
	return &InvalidError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// APIError is an error rendered to a Cargo client. Cargo displays Detail to
// the user; Code is for logs and metrics.
type APIError struct {
	// Code is a short machine-readable identifier (e.g., "NotFound").
	Code string
	// Detail is the human-readable message shown by cargo.
	Detail string
	// HTTPStatus is the HTTP status code to return.
	HTTPStatus int
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("APIError %s (%d): %s", e.Code, e.HTTPStatus, e.Detail)
}

// WithDetail returns a copy of the APIError carrying the given detail.
func (e *APIError) WithDetail(detail string) *APIError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Pre-defined API errors.
var (
	// ErrAPINotFound is returned for unknown crates, versions and routes.
	ErrAPINotFound = &APIError{
		Code:       "NotFound",
		Detail:     "Not found",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrAPIConflict is returned when publishing an existing version.
	ErrAPIConflict = &APIError{
		Code:       "Conflict",
		Detail:     "The crate version is already published",
		HTTPStatus: http.StatusConflict,
	}

	// ErrAPIBadRequest is returned for malformed publish bodies and metadata.
	ErrAPIBadRequest = &APIError{
		Code:       "BadRequest",
		Detail:     "The request could not be understood",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrAPITooLarge is returned when a publish body exceeds the size limit.
	ErrAPITooLarge = &APIError{
		Code:       "PayloadTooLarge",
		Detail:     "The crate exceeds the maximum allowed publish size",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	// ErrAPIStorage is returned when the object store failed.
	ErrAPIStorage = &APIError{
		Code:       "StorageError",
		Detail:     "The registry storage backend failed. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrAPIInternal is returned for unexpected internal failures.
	ErrAPIInternal = &APIError{
		Code:       "InternalError",
		Detail:     "We encountered an internal error. Please try again.",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrAPIUnavailable is returned while the index has not been loaded.
	ErrAPIUnavailable = &APIError{
		Code:       "ServiceUnavailable",
		Detail:     "The registry is not ready. Please retry.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// ToAPI maps an error returned by a registry operation to the APIError sent
// to the client. NotFound, Conflict and Invalid carry the error text as the
// detail since it is meaningful to the user; storage failures do not leak
// backend details.
func ToAPI(err error) *APIError {
	var apiErr *APIError
	switch {
	case err == nil:
		return nil
	case stderrors.As(err, &apiErr):
		return apiErr
	case stderrors.Is(err, ErrNotFound):
		return ErrAPINotFound.WithDetail(err.Error())
	case stderrors.Is(err, ErrConflict):
		return ErrAPIConflict.WithDetail(err.Error())
	case stderrors.Is(err, ErrInvalid):
		return ErrAPIBadRequest.WithDetail(err.Error())
	case stderrors.Is(err, ErrStorage):
		return ErrAPIStorage
	default:
		return ErrAPIInternal
	}
}
