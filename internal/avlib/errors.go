package avlib

import (
	"errors"
	"fmt"
)

// ErrEOF is returned by ReadPacket at end of stream, including end of buffer
// reported by the protocol layer.
var ErrEOF = errors.New("end of file")

// Library error codes the capture core distinguishes. Values are negated
// errno as returned by libav on Linux.
const (
	CodeConnectionReset = -104
	CodeTimedOut        = -110
)

// Error is a library failure carrying its numeric code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("error %d", e.Code)
	}
	return fmt.Sprintf("error %d %q", e.Code, e.Message)
}

// NewError creates a library error.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// ErrorCode extracts the library code from err, or 0 when err carries none.
func ErrorCode(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// EndOfInput marks err as ErrEOF when the protocol layer reported end of
// buffer while reading. Other errors are returned unchanged.
func EndOfInput(err error, eofReached bool) error {
	if err == nil || !eofReached || errors.Is(err, ErrEOF) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrEOF, err)
}
