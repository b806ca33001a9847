package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func StateConflict(msg string) error {
	return New(CodeStateConflict, msg)
}

func Unreachable(msg string) error {
	return New(CodeUnreachable, msg)
}

func Persistence(msg string, cause error) error {
	return Wrap(CodePersistence, msg, cause)
}

func Unauthenticated(msg string) error {
	return New(CodeUnauthenticated, msg)
}

func RateLimited(msg string) error {
	return New(CodeRateLimited, msg)
}

// CodeOf extracts the code from an error chain. Errors that never went
// through this package map to CodeInternal.
func CodeOf(err error) Code {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
