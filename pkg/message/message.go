package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is the operation type carried in a message header. Its
// interpretation depends on the protocol spoken on the connection, except
// for the top bit which marks responses.
type Type = uint8

const (
	// TypeResponse is set in the type of every response message.
	TypeResponse Type = 0x80

	// HeaderSize is the size of the wire header, padded to 64-bit alignment.
	HeaderSize = 8

	SizeMin = HeaderSize
	SizeMax = 4096

	// PayloadMax is the largest payload a single message can carry.
	PayloadMax = SizeMax - HeaderSize
)

var (
	ErrTruncated    = errors.New("message: truncated header")
	ErrTooBig       = errors.New("message: size exceeds maximum")
	ErrSizeTooSmall = errors.New("message: declared size smaller than header")
	ErrSizeMismatch = errors.New("message: declared size exceeds received bytes")
)

// Header is the common prefix of every request and response. All numeric
// fields are little endian on the wire; the three bytes following Type are
// padding.
type Header struct {
	Size uint16
	ID   uint16
	Type Type
}

// NewHeader builds the header of a message carrying payloadSize bytes. The
// id is filled in when the message is sent.
func NewHeader(payloadSize int, t Type) Header {
	return Header{
		Size: uint16(HeaderSize + payloadSize),
		Type: t,
	}
}

func (h Header) IsResponse() bool {
	return IsResponse(h.Type)
}

func (h Header) PayloadSize() int {
	return int(h.Size) - HeaderSize
}

func (h Header) String() string {
	return fmt.Sprintf("size=%d id=%d type=0x%02x", h.Size, h.ID, h.Type)
}

// Encode writes h into the first HeaderSize bytes of buf and zeroes the
// padding. It panics if buf is too short, like the encoding/binary helpers
// it uses.
func (h Header) Encode(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], h.Size)
	binary.LittleEndian.PutUint16(buf[2:4], h.ID)
	buf[4] = h.Type
	buf[5], buf[6], buf[7] = 0, 0, 0
}

// DecodeHeader parses the header at the start of buf and validates the
// declared size against the frame limits and the bytes actually present.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{
		Size: binary.LittleEndian.Uint16(buf[0:2]),
		ID:   binary.LittleEndian.Uint16(buf[2:4]),
		Type: buf[4],
	}
	switch {
	case int(h.Size) > SizeMax:
		return h, ErrTooBig
	case int(h.Size) < HeaderSize:
		return h, ErrSizeTooSmall
	case int(h.Size) > len(buf):
		return h, ErrSizeMismatch
	}
	return h, nil
}

// SetID rewrites the id of an encoded header in place.
func SetID(buf []byte, id uint16) {
	binary.LittleEndian.PutUint16(buf[2:4], id)
}

// SetSize rewrites the size of an encoded header in place.
func SetSize(buf []byte, size int) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(size))
}

// ID reads the id of an encoded header.
func ID(buf []byte) uint16 {
	return binary.LittleEndian.Uint16(buf[2:4])
}

func IsResponse(t Type) bool {
	return t&TypeResponse != 0
}

// ResponseType returns the type a response to a request of type t carries.
func ResponseType(t Type) Type {
	return t | TypeResponse
}

// RequestType strips the response bit.
func RequestType(t Type) Type {
	return t &^ TypeResponse
}
