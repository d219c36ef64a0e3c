package errors

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Codes shared by the host device, the manager and the transports. Operation
// results use their own wire values as codes (see greybus.Result).
const (
	CodeInvalid  = 400
	CodeNotFound = 404
	CodeConflict = 409
	CodeTooBig   = 413
	CodeInternal = 500
	CodeNoMemory = 507
)

type Error interface {
	error
	Fatal() bool
	Temporary() bool
	Code() int
	Reason() string
	Caller() string
	Log()
}

func NonFatalError(code int, reason string, caller string) Error {
	return &genericErr{
		fatal:     false,
		temporary: false,
		code:      code,
		reason:    reason,
		caller:    caller,
	}
}

func FatalError(code int, reason string, caller string) Error {
	return &genericErr{
		fatal:     true,
		temporary: false,
		code:      code,
		reason:    reason,
		caller:    caller,
	}
}

func TemporaryError(code int, reason string, caller string) Error {
	return &genericErr{
		fatal:     false,
		temporary: true,
		code:      code,
		reason:    reason,
		caller:    caller,
	}
}

// Wrap keeps err reachable through errors.Is / errors.As.
func Wrap(code int, err error, caller string) Error {
	return &genericErr{
		code:   code,
		reason: err.Error(),
		caller: caller,
		cause:  err,
	}
}

// CodeOf returns the code carried by err, or -1 when err is not an Error.
func CodeOf(err error) int {
	for err != nil {
		if e, ok := err.(Error); ok {
			return e.Code()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return -1
}

type genericErr struct {
	fatal     bool
	temporary bool
	code      int
	reason    string
	caller    string
	cause     error
}

func (err *genericErr) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", err.caller, err.reason, err.code)
}

func (err *genericErr) Unwrap() error {
	return err.cause
}

func (err *genericErr) Log() {
	log.Errorf("[%s]: Error type: %d, Reason: %s", err.Caller(), err.Code(), err.Reason())
}

func (err *genericErr) Fatal() bool {
	return err.fatal
}

func (err *genericErr) Temporary() bool {
	return err.temporary
}

func (err *genericErr) Code() int {
	return err.code
}

func (err *genericErr) Caller() string {
	return err.caller
}

func (err *genericErr) Reason() string {
	return err.reason
}
