package loopback

import (
	"encoding/binary"

	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/greybus"
	"github.com/anobli/greybus/pkg/protocol"
)

// Register installs Handler for loopback connections of m.
func Register(m *greybus.Manager) errors.Error {
	return m.RegisterRequestHandler(protocol.Loopback, Handler)
}

// Handler answers the requests of a loopback client: its version, empty
// pings and transfers, whose data gets echoed.
func Handler(op *greybus.Operation) {
	switch op.Type() {
	case TypeProtocolVersion:
		respond(op, []byte{VersionMajor, VersionMinor})
	case TypePing:
		respond(op, nil)
	case TypeTransfer:
		data, err := transferData(op.RequestPayload())
		if err != nil {
			op.Connection().Logger().Errorf("transfer request %d: %s", op.ID(), err.Error())
			op.SetResult(greybus.ResultInvalid)
			return
		}
		respond(op, data)
	default:
		op.Connection().Logger().Errorf("unsupported loopback request type 0x%02x", op.Type())
		op.SetResult(greybus.ResultProtocolBad)
	}
}

func transferData(req []byte) ([]byte, error) {
	if len(req) < transferHeaderSize {
		return nil, ErrMalformedRequest
	}
	n := binary.LittleEndian.Uint32(req[:transferHeaderSize])
	data := req[transferHeaderSize:]
	if uint64(n) != uint64(len(data)) {
		return nil, ErrMalformedRequest
	}
	return data, nil
}

func respond(op *greybus.Operation, payload []byte) {
	if err := op.ResponseAlloc(len(payload)); err != nil {
		op.Connection().Logger().Errorf("response to %d: %s", op.ID(), err.Error())
		op.SetResult(greybus.ResultOf(err))
		return
	}
	copy(op.ResponsePayload(), payload)
	if err := op.Respond(); err != nil {
		op.Connection().Logger().Errorf("response to %d: %s", op.ID(), err.Error())
	}
}
