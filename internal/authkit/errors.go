package authkit

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures surfaced by the auth service.
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"
	KindAuthentication ErrorKind = "authentication"
	KindNotFound       ErrorKind = "not_found"
	KindInternal       ErrorKind = "internal"
)

// Kind sentinels for errors.Is checks against *Error values.
var (
	ErrValidation     = errors.New("auth.validation")
	ErrAuthentication = errors.New("auth.authentication")
	ErrNotFound       = errors.New("auth.not_found")
	ErrInternal       = errors.New("auth.internal")
)

// Error is the only error type returned across the Service boundary.
// Message is safe to show to clients; Err carries the underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (authError *Error) Error() string {
	if authError.Err != nil {
		return fmt.Sprintf("%s: %s: %v", authError.Code, authError.Message, authError.Err)
	}
	return fmt.Sprintf("%s: %s", authError.Code, authError.Message)
}

func (authError *Error) Unwrap() error {
	return authError.Err
}

// Is matches the kind sentinel for this error.
func (authError *Error) Is(target error) bool {
	return target == kindSentinel(authError.Kind)
}

func kindSentinel(kind ErrorKind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindAuthentication:
		return ErrAuthentication
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrInternal
	}
}

func validationError(code string, message string, cause error) error {
	return &Error{Kind: KindValidation, Code: code, Message: message, Err: cause}
}

func authenticationError(code string, message string, cause error) error {
	return &Error{Kind: KindAuthentication, Code: code, Message: message, Err: cause}
}

func notFoundError(code string, message string, cause error) error {
	return &Error{Kind: KindNotFound, Code: code, Message: message, Err: cause}
}

func internalError(code string, cause error) error {
	return &Error{Kind: KindInternal, Code: code, Message: "internal server error", Err: cause}
}

// AsError converts any error into an *Error, treating unknown errors as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var authError *Error
	if errors.As(err, &authError) {
		return authError
	}
	return &Error{Kind: KindInternal, Code: "auth.unexpected", Message: "internal server error", Err: err}
}

// HTTPStatus maps an error kind to its HTTP status code.
func HTTPStatus(err error) int {
	switch AsError(err).Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
