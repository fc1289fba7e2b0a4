// internal/apperr/apperr.go

// Package apperr defines the error taxonomy shared by the lobby, session and
// webhook components, and its mapping onto HTTP statuses for the lobby API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error category.
type Code string

const (
	CodeInvalidArgument  Code = "invalid_argument"
	CodeNotFound         Code = "not_found"
	CodeRoomFull         Code = "room_full"
	CodeAlreadyStarted   Code = "already_started"
	CodeCapacityExceeded Code = "capacity_exceeded"
	CodeProviderError    Code = "provider_error"
	CodeBusUnavailable   Code = "bus_unavailable"
	CodeStaleEvent       Code = "stale_event"
	CodeInternal         Code = "internal_error"
)

// Error carries a taxonomy code plus a human-readable message.
type Error struct {
	Code    Code   `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, or CodeInternal if err does not
// wrap an *Error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// httpStatus maps taxonomy codes onto lobby API response statuses.
var httpStatus = map[Code]int{
	CodeInvalidArgument:  http.StatusBadRequest,
	CodeNotFound:         http.StatusNotFound,
	CodeRoomFull:         http.StatusConflict,
	CodeAlreadyStarted:   http.StatusConflict,
	CodeCapacityExceeded: http.StatusConflict,
	CodeProviderError:    http.StatusBadGateway,
	CodeBusUnavailable:   http.StatusServiceUnavailable,
	CodeStaleEvent:       http.StatusConflict,
	CodeInternal:         http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for err's taxonomy code.
func HTTPStatus(err error) int {
	if s, ok := httpStatus[CodeOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}
