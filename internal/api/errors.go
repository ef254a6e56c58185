package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/go-clinic/internal/appointment"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(code int) *ApiError {
	return &ApiError{
		StatusCode: code,
		Message:    lower(http.StatusText(code)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewForbiddenError() *ApiError {
	return newApiError(http.StatusForbidden)
}

func NewMethodNotAllowedError() *ApiError {
	return newApiError(http.StatusMethodNotAllowed)
}

// NewConflictError reports a request that lost against the appointment's
// current state. The message is shown to the user.
func NewConflictError(message string) *ApiError {
	return &ApiError{
		StatusCode: http.StatusConflict,
		Message:    message,
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}

// errorFromAppointment maps an appointment service error to its response.
func errorFromAppointment(err error) *ApiError {
	switch {
	case errors.Is(err, appointment.ErrInvalidTransition):
		return NewConflictError("status change not allowed")
	case errors.Is(err, appointment.ErrStaleWrite):
		return NewConflictError("appointment was updated concurrently")
	case errors.Is(err, appointment.ErrNotParticipant):
		return NewForbiddenError()
	case errors.Is(err, sql.ErrNoRows):
		return NewNotFoundError()
	case errors.Is(err, appointment.ErrInvalidSchedule),
		errors.Is(err, appointment.ErrBookingInPast),
		errors.Is(err, appointment.ErrNotADoctor):
		return NewBadRequestError()
	default:
		return NewInternalServerError(err)
	}
}
