// Package apperr carries the stable machine error codes exposed by the
// admin API. Service and storage layers return *Error values; the HTTP
// layer maps them to status codes without string matching.
package apperr

import (
	"net/http"

	"github.com/pkg/errors"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeInvalidDateRange   Code = "INVALID_DATE_RANGE"
	CodeInvalidJobType     Code = "INVALID_JOB_TYPE"
	CodeForceRequired      Code = "FORCE_REQUIRED"
	CodeJobAlreadyRunning  Code = "JOB_ALREADY_RUNNING"
	CodeJobNotFound        Code = "JOB_NOT_FOUND"
	CodeInvalidJobState    Code = "INVALID_JOB_STATE"
	CodeCancellationFailed Code = "CANCELLATION_FAILED"
	CodeStorage            Code = "STORAGE_ERROR"
	CodeSnapshotNotFound   Code = "SNAPSHOT_NOT_FOUND"
	CodeAnalyticsNotFound  Code = "ANALYTICS_NOT_FOUND"
	CodeSnapshotConflict   Code = "SNAPSHOT_CONFLICT"
	CodeUnsupportedFilter  Code = "UNSUPPORTED_FILTER"
)

var httpStatus = map[Code]int{
	CodeValidation:         http.StatusBadRequest,
	CodeInvalidDateRange:   http.StatusBadRequest,
	CodeInvalidJobType:     http.StatusBadRequest,
	CodeForceRequired:      http.StatusBadRequest,
	CodeJobAlreadyRunning:  http.StatusConflict,
	CodeJobNotFound:        http.StatusNotFound,
	CodeInvalidJobState:    http.StatusBadRequest,
	CodeCancellationFailed: http.StatusConflict,
	CodeStorage:            http.StatusInternalServerError,
	CodeSnapshotNotFound:   http.StatusNotFound,
	CodeAnalyticsNotFound:  http.StatusNotFound,
	CodeSnapshotConflict:   http.StatusConflict,
	CodeUnsupportedFilter:  http.StatusNotImplemented,
}

// Error pairs a stable code with a human-readable message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// HTTPStatus returns the status the admin API responds with for e.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: errors.Errorf(format, args...).Error()}
}

// FromError extracts an *Error from err's chain, or wraps err as a
// STORAGE_ERROR if none is present.
func FromError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeStorage, Message: err.Error()}
}

// Is lets errors.Is match on code equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}
