// Package ows carries the protocol exception taxonomy. Every validation
// failure surfaces as an *Error with a machine-readable code and a locator
// naming the offending request field.
package ows

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	MissingParameterValue    Code = "MissingParameterValue"
	InvalidParameterValue    Code = "InvalidParameterValue"
	VersionNegotiationFailed Code = "VersionNegotiationFailed"
	InvalidValue             Code = "InvalidValue"
	DuplicateStoredQueryID   Code = "DuplicateStoredQueryIdValue"
	OperationNotSupported    Code = "OperationNotSupported"
	Unauthorized             Code = "Unauthorized"
	NoApplicableCode         Code = "NoApplicableCode"
)

type Error struct {
	Code    Code
	Locator string
	Message string
}

func (e *Error) Error() string {
	if e.Locator != "" {
		return fmt.Sprintf("%s (locator=%s): %s", e.Code, e.Locator, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Missing(locator string) *Error {
	return &Error{Code: MissingParameterValue, Locator: locator, Message: "mandatory parameter " + locator + " is absent"}
}

func Invalid(locator, format string, args ...any) *Error {
	return &Error{Code: InvalidParameterValue, Locator: locator, Message: fmt.Sprintf(format, args...)}
}

func NegotiationFailed(format string, args ...any) *Error {
	return &Error{Code: VersionNegotiationFailed, Locator: "version", Message: fmt.Sprintf(format, args...)}
}

func NotSupported(format string, args ...any) *Error {
	return &Error{Code: OperationNotSupported, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) *Error {
	return &Error{Code: Unauthorized, Message: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...any) *Error {
	return &Error{Code: NoApplicableCode, Message: fmt.Sprintf(format, args...)}
}

// As unwraps err into a protocol error; failures that are not typed
// protocol errors classify as NoApplicableCode.
func As(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: NoApplicableCode, Message: err.Error()}
}

// CodeOf reports the protocol code of err.
func CodeOf(err error) Code {
	return As(err).Code
}

// HTTPStatus maps an exception code to the transport status used by the
// KVP binding.
func HTTPStatus(c Code) int {
	switch c {
	case MissingParameterValue, InvalidParameterValue, VersionNegotiationFailed, InvalidValue, DuplicateStoredQueryID:
		return http.StatusBadRequest
	case OperationNotSupported:
		return http.StatusNotImplemented
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
