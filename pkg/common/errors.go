package common

import (
	"errors"
	"net/http"
)

// Machine-readable sub-codes surfaced alongside HTTP status codes.
const (
	CodeRideAlreadyTaken  = "RIDE_ALREADY_TAKEN"
	CodeInvalidOtp        = "INVALID_OTP"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeDriverNotVerified = "DRIVER_NOT_VERIFIED"
	CodePenaltyUnpaid     = "PENALTY_UNPAID"
	CodeNotParticipant    = "NOT_PARTICIPANT"
)

// Common sentinel errors.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("resource conflict")
	ErrValidation     = errors.New("validation error")
	ErrInternalServer = errors.New("internal server error")
)

// AppError is an application error carrying an HTTP status code and an
// optional machine-readable sub-code.
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewNotFoundError(message string, err error) *AppError {
	if err == nil {
		err = ErrNotFound
	}
	return &AppError{Code: http.StatusNotFound, Message: message, Err: err}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, Message: message, Err: ErrUnauthorized}
}

func NewForbiddenError(message, errorCode string) *AppError {
	return &AppError{Code: http.StatusForbidden, ErrorCode: errorCode, Message: message, Err: ErrForbidden}
}

func NewBadRequestError(message string, err error) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: message, Err: err}
}

func NewValidationError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: message, Err: ErrValidation}
}

// NewInvalidOtpError reports an OTP mismatch on ride start.
func NewInvalidOtpError() *AppError {
	return &AppError{
		Code:      http.StatusBadRequest,
		ErrorCode: CodeInvalidOtp,
		Message:   "provided OTP does not match",
		Err:       ErrValidation,
	}
}

// NewConflictError reports a state conflict, optionally with a sub-code.
func NewConflictError(message, errorCode string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: errorCode, Message: message, Err: ErrConflict}
}

// NewInvalidTransitionError reports a disallowed ride state transition.
func NewInvalidTransitionError(message string) *AppError {
	return &AppError{
		Code:      http.StatusUnprocessableEntity,
		ErrorCode: CodeInvalidTransition,
		Message:   message,
		Err:       ErrConflict,
	}
}

func NewInternalServerError(message string) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: message, Err: ErrInternalServer}
}

func NewInternalErrorWithError(message string, err error) *AppError {
	return &AppError{Code: http.StatusInternalServerError, Message: message, Err: err}
}
