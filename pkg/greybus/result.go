package greybus

import (
	stderrors "errors"
	"fmt"

	"github.com/anobli/greybus/pkg/errors"
)

const OperationCaller = "Operation"

// Result is the outcome of an operation. The values are the ones carried in
// response status bytes by later revisions of the protocol.
type Result uint8

const (
	ResultSuccess     Result = 0x00
	ResultInvalid     Result = 0x01
	ResultNoMemory    Result = 0x02
	ResultInterrupted Result = 0x03
	ResultRetry       Result = 0x04
	ResultProtocolBad Result = 0x05
	ResultOverflow    Result = 0x06
	ResultTimeout     Result = 0xff
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultInvalid:
		return "invalid"
	case ResultNoMemory:
		return "no memory"
	case ResultInterrupted:
		return "interrupted"
	case ResultRetry:
		return "retry"
	case ResultProtocolBad:
		return "protocol bad"
	case ResultOverflow:
		return "overflow"
	case ResultTimeout:
		return "timeout"
	}
	return fmt.Sprintf("result 0x%02x", uint8(r))
}

// Err converts a non-success result into an errors.Error whose code is the
// result value.
func (r Result) Err() error {
	if r == ResultSuccess {
		return nil
	}
	return errors.NonFatalError(int(r), r.String(), OperationCaller)
}

// ResultOf extracts the result carried by an error returned from this
// package. Errors that carry no result map to ResultInvalid.
func ResultOf(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	code := errors.CodeOf(err)
	if code < 0 || code > 0xff {
		return ResultInvalid
	}
	return Result(code)
}

var (
	ErrNoFreeID       = stderrors.New("greybus: no free operation id")
	ErrNotFound       = stderrors.New("greybus: operation not found")
	ErrRecvTooSmall   = stderrors.New("greybus: receive buffer too small")
	ErrPending        = stderrors.New("greybus: operation still pending")
	ErrAlreadySent    = stderrors.New("greybus: operation already sent")
	ErrDestroyed      = stderrors.New("greybus: operation already destroyed")
	ErrNotIncoming    = stderrors.New("greybus: not an incoming request")
	ErrNotOutgoing    = stderrors.New("greybus: not an outgoing request")
	ErrNoResponse     = stderrors.New("greybus: no response buffer")
	ErrResponded      = stderrors.New("greybus: response already sent")
	ErrPayloadTooBig  = stderrors.New("greybus: payload exceeds maximum message size")
	ErrResponseType   = stderrors.New("greybus: request type has the response bit set")
	ErrWorkqueueFull  = stderrors.New("greybus: workqueue full")
	ErrConnectionGone = stderrors.New("greybus: connection destroyed")
)
