package errorsx

import (
	"errors"
	"fmt"
)

// Error pairs a cause with the reason it is reported under. Its message is
// the cause's message.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match a bare ReasonCode.
func (e *Error) Is(target error) bool {
	r, ok := target.(ReasonCode)
	return ok && r == e.Reason
}

// Wrap attaches reason to err. A nil err stays nil and the innermost reason wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re *Error
	if errors.As(err, &re) {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

// Newf formats a new error reported under reason.
func Newf(reason ReasonCode, format string, args ...any) error {
	return &Error{Reason: reason, Err: fmt.Errorf(format, args...)}
}

func Reason(err error) ReasonCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
