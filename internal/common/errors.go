package common

import (
	"errors"
	"net/http"
)

// AppError is an error that knows how it should be rendered to a client.
// Message is client-safe; Err keeps the cause for logs and errors.Is.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Status is HTTPStatus with 400 standing in for an unset value.
func (e *AppError) Status() int {
	if e == nil || e.HTTPStatus == 0 {
		return http.StatusBadRequest
	}
	return e.HTTPStatus
}

// WithDetails attaches structured details and returns e.
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// AsAppError unwraps err to its outermost AppError.
func AsAppError(err error) (*AppError, bool) {
	var target *AppError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// IsAppError reports whether err carries an AppError.
func IsAppError(err error) bool {
	_, ok := AsAppError(err)
	return ok
}
