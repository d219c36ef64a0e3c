// Package loopback implements the greybus loopback protocol: a client
// generating ping or transfer traffic on a connection while measuring it,
// and the request handler echoing that traffic back.
package loopback

import (
	"errors"
	"time"

	"github.com/anobli/greybus/configs"
	"github.com/anobli/greybus/pkg/message"
)

const LoopbackCaller = "Loopback"

// Request types.
const (
	TypeInvalid         message.Type = 0x00
	TypeProtocolVersion message.Type = 0x01
	TypePing            message.Type = 0x02
	TypeTransfer        message.Type = 0x03
)

const (
	VersionMajor = 0x00
	VersionMinor = 0x01
)

// transferHeaderSize is the le32 length leading every transfer request.
const transferHeaderSize = 4

// TransferMax is the largest transfer payload fitting in one request.
const TransferMax = message.PayloadMax - transferHeaderSize

const msWaitMax = 1000

var (
	ErrRemoteIO         = errors.New("loopback: transfer data mismatch")
	ErrTransferTooBig   = errors.New("loopback: transfer size exceeds maximum")
	ErrVersionMismatch  = errors.New("loopback: unsupported protocol version")
	ErrMalformedRequest = errors.New("loopback: malformed transfer request")
)

// Mode selects the traffic Run generates.
type Mode int

const (
	ModeIdle Mode = iota
	ModePing
	ModeTransfer
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePing:
		return "ping"
	case ModeTransfer:
		return "transfer"
	}
	return "unknown"
}

type Config struct {
	Mode Mode
	// Size is the payload of each transfer.
	Size uint32
	// MsWait is the pause between two operations, in milliseconds.
	MsWait int
	// Timeout bounds each operation; zero waits forever.
	Timeout time.Duration
}

func ConfigFrom(c configs.LoopbackConfig) Config {
	return Config{
		Mode:    Mode(c.Type),
		Size:    c.Size,
		MsWait:  c.MsWait,
		Timeout: c.Timeout,
	}.Check()
}

// Check brings out of range settings back into range: unknown modes turn
// into ModeIdle, the wait is capped at one second and the size at
// TransferMax.
func (c Config) Check() Config {
	if c.MsWait > msWaitMax {
		c.MsWait = msWaitMax
	}
	if c.MsWait < 0 {
		c.MsWait = 0
	}
	if c.Mode < ModeIdle || c.Mode > ModeTransfer {
		c.Mode = ModeIdle
	}
	if c.Size > TransferMax {
		c.Size = TransferMax
	}
	return c
}
