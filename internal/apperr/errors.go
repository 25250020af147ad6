package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an application error.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeBadRequest      Code = "BAD_REQUEST"
	CodeValidation      Code = "VALIDATION"
	CodeExternalService Code = "EXTERNAL_SERVICE"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error is an application error carrying a taxonomy code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

func NewNotFoundError(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

func NewForbiddenError(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message}
}

func NewBadRequestError(message string) *Error {
	return &Error{Code: CodeBadRequest, Message: message}
}

func NewValidationError(message string, cause error) *Error {
	return &Error{Code: CodeValidation, Message: message, Err: cause}
}

// NewExternalServiceError wraps a failure of an upstream model or image
// provider. The upstream error text is kept in the message.
func NewExternalServiceError(service string, cause error) *Error {
	msg := service + " error"
	if cause != nil {
		msg = fmt.Sprintf("%s error: %v", service, cause)
	}
	return &Error{Code: CodeExternalService, Message: msg, Err: cause}
}

func NewInternalError(message string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: message, Err: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func IsNotFound(err error) bool        { return err != nil && CodeOf(err) == CodeNotFound }
func IsForbidden(err error) bool       { return err != nil && CodeOf(err) == CodeForbidden }
func IsBadRequest(err error) bool      { return err != nil && CodeOf(err) == CodeBadRequest }
func IsExternalService(err error) bool { return err != nil && CodeOf(err) == CodeExternalService }

// HTTPStatus maps err to the conventional status code of its taxonomy entry.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Detail is the user-facing message of err.
func Detail(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}
