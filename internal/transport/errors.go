package transport

import (
	"errors"
	"fmt"
)

// Class buckets transfer failures by how the retry engine should react.
type Class string

const (
	// ClassValidation marks bad input caught before any network traffic.
	ClassValidation Class = "validation"
	// ClassProtocol marks connection or HTTP-stack level failures.
	ClassProtocol Class = "protocol"
	// ClassApplication marks uploads the service received and rejected.
	ClassApplication Class = "application"
	// ClassTimeout marks attempts that exceeded their overall deadline.
	ClassTimeout Class = "timeout"
)

// Service error codes recognized in failure responses.
const (
	CodeNotFound          = "not_found"
	CodeMissingCredential = "missing_credential"
	CodeQuotaExceeded     = "quota_exceeded"
)

// Error is a classified transfer failure with optional service error code.
type Error struct {
	Class   Class  `json:"class"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error formats transfer failures for logs and UI.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
	return fmt.Sprintf("%s: %s (code=%s)", e.Class, e.Message, e.Code)
}

// Unwrap exposes the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ClassOf extracts the failure class from err; unclassified errors count
// as protocol failures because nothing confirmed the service saw them.
func ClassOf(err error) Class {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Class
	}
	return ClassProtocol
}

// isClass reports whether err carries the given failure class.
func isClass(err error, class Class) bool {
	return ClassOf(err) == class
}
