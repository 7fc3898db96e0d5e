// Package errs defines typed errors that carry an intended HTTP status.
// Handlers map any error to a status via StatusOf; unknown errors are 500.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an error with an HTTP status and a stable machine code.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given status, code and message.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Wrap attaches a cause to a copy of e.
func (e *Error) Wrap(err error) *Error {
	return &Error{Status: e.Status, Code: e.Code, Message: e.Message, Err: err}
}

// Is matches errors by code so sentinel comparisons work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NotFound returns a 404 error for a missing path.
func NotFound(path string) *Error {
	return &Error{Status: http.StatusNotFound, Code: "path_not_found",
		Message: fmt.Sprintf("path not found: %s", path)}
}

// PermissionDenied returns a 403 error.
func PermissionDenied(msg string) *Error {
	return &Error{Status: http.StatusForbidden, Code: "permission_denied", Message: msg}
}

// RootForbidden is returned for any operation addressing the namespace root.
func RootForbidden() *Error {
	return &Error{Status: http.StatusForbidden, Code: "root_forbidden",
		Message: "cannot operate on root"}
}

// Locked returns a 423 error for a lock conflict.
func Locked(path string) *Error {
	return &Error{Status: http.StatusLocked, Code: "locked",
		Message: fmt.Sprintf("resource is locked: %s", path)}
}

// PreconditionFailed returns a 412 error.
func PreconditionFailed(msg string) *Error {
	return &Error{Status: http.StatusPreconditionFailed, Code: "precondition_failed", Message: msg}
}

// UnsupportedStorageType returns a 400 error for an unknown driver type.
func UnsupportedStorageType(storageType string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "unsupported_storage_type",
		Message: fmt.Sprintf("unsupported storage type: %s", storageType)}
}

// ParentMissing returns a 409 error for a missing parent collection.
func ParentMissing(path string) *Error {
	return &Error{Status: http.StatusConflict, Code: "parent_missing",
		Message: fmt.Sprintf("parent collection does not exist: %s", path)}
}

// CollectionExists returns a 405 error for an already-existing collection.
func CollectionExists(path string) *Error {
	return &Error{Status: http.StatusMethodNotAllowed, Code: "collection_exists",
		Message: fmt.Sprintf("collection already exists: %s", path)}
}

// Conflict returns a generic 409.
func Conflict(msg string) *Error {
	return &Error{Status: http.StatusConflict, Code: "conflict", Message: msg}
}

// BadRequest returns a 400 error.
func BadRequest(msg string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "bad_request", Message: msg}
}

// MethodNotAllowed returns a 405 error.
func MethodNotAllowed(msg string) *Error {
	return &Error{Status: http.StatusMethodNotAllowed, Code: "method_not_allowed", Message: msg}
}

// UnsupportedCapability returns a 400 error naming the missing capabilities.
func UnsupportedCapability(missing []string) *Error {
	return &Error{Status: http.StatusBadRequest, Code: "unsupported_capability",
		Message: fmt.Sprintf("storage driver missing capabilities: %v", missing)}
}

// StatusOf returns the HTTP status carried by err, or 500 for unknown errors.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the machine code carried by err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
