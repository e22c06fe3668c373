package capture

import (
	"errors"
	"fmt"

	"github.com/smazurov/capturenode/internal/avlib"
)

// ErrorCode classifies capture conditions.
type ErrorCode string

// Error codes. Warnings are logged with their code and never returned.
const (
	ErrCodeConfigParseWarning        ErrorCode = "CONFIG_PARSE_WARNING"
	ErrCodeTransportUnsupported      ErrorCode = "TRANSPORT_UNSUPPORTED"
	ErrCodeOpenFailed                ErrorCode = "OPEN_FAILED"
	ErrCodeStreamNotFound            ErrorCode = "STREAM_NOT_FOUND"
	ErrCodeHardwareNegotiationFailed ErrorCode = "HARDWARE_NEGOTIATION_FAILED"
	ErrCodeSecondaryInputUnavailable ErrorCode = "SECONDARY_INPUT_UNAVAILABLE"
	ErrCodeReadEndOfStream           ErrorCode = "READ_END_OF_STREAM"
	ErrCodeReadTransportError        ErrorCode = "READ_TRANSPORT_ERROR"
	ErrCodeReadOtherError            ErrorCode = "READ_OTHER_ERROR"
)

// ErrNotCapturing is returned by Capture when the session is not primed.
var ErrNotCapturing = errors.New("session is not capturing")

// Error is a fatal capture failure.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HasCode checks if the error matches a specific code.
func (e *Error) HasCode(code ErrorCode) bool {
	return e.Code == code
}

func newError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf returns the code carried by err, or "" when it carries none.
func CodeOf(err error) ErrorCode {
	var re *ReadError
	if errors.As(err, &re) {
		return re.Class
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReadError is a failed packet read. The session stops capturing until it
// is primed again.
type ReadError struct {
	Class     ErrorCode
	Secondary bool
	Err       error
}

func (e *ReadError) Error() string {
	src := "primary"
	if e.Secondary {
		src = "secondary"
	}
	return fmt.Sprintf("%s: %s input: %v", e.Class, src, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// IsEndOfStream reports whether err is a read that hit the end of the input.
func IsEndOfStream(err error) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Class == ErrCodeReadEndOfStream
}

// IsTransport reports whether err is a read that failed in the transport layer.
func IsTransport(err error) bool {
	var re *ReadError
	return errors.As(err, &re) && re.Class == ErrCodeReadTransportError
}

func classifyRead(err error) ErrorCode {
	if errors.Is(err, avlib.ErrEOF) {
		return ErrCodeReadEndOfStream
	}
	switch avlib.ErrorCode(err) {
	case avlib.CodeTimedOut, avlib.CodeConnectionReset:
		return ErrCodeReadTransportError
	}
	return ErrCodeReadOtherError
}
