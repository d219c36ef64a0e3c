// Package transport provides host drivers moving greybus messages between
// two host devices: an in-memory pipe and a TCP stream.
package transport

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/message"
)

// cportHeaderSize prefixes every message sent over a shared stream with the
// destination cport (u16 little endian) and two pad bytes.
const cportHeaderSize = 4

var (
	ErrClosed      = errors.New("transport: closed")
	ErrNotAttached = errors.New("transport: no host device attached")
)

// Driver is a host driver that delivers inbound frames to the host device
// it gets attached to.
type Driver interface {
	hd.Driver
	Attach(host *hd.HostDevice) error
	Close() error
}

func encodeCPortFrame(cportID uint16, msg []byte) []byte {
	frame := make([]byte, cportHeaderSize+len(msg))
	binary.LittleEndian.PutUint16(frame[0:2], cportID)
	copy(frame[cportHeaderSize:], msg)
	return frame
}

func decodeCPortFrame(frame []byte) (uint16, []byte, bool) {
	if len(frame) < cportHeaderSize || len(frame) > cportHeaderSize+message.SizeMax {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint16(frame[0:2]), frame[cportHeaderSize:], true
}

// inflight tracks submitted buffers so a kill can claim them before the
// driver finishes with them. Whoever takes a buffer out completes it.
type inflight struct {
	mu      sync.Mutex
	buffers map[*gbuf.Buffer]struct{}
}

func newInflight() *inflight {
	return &inflight{buffers: make(map[*gbuf.Buffer]struct{})}
}

func (f *inflight) add(buf *gbuf.Buffer) {
	f.mu.Lock()
	f.buffers[buf] = struct{}{}
	f.mu.Unlock()
}

func (f *inflight) take(buf *gbuf.Buffer) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buffers[buf]; !ok {
		return false
	}
	delete(f.buffers, buf)
	return true
}

func (f *inflight) takeAll() []*gbuf.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	bufs := make([]*gbuf.Buffer, 0, len(f.buffers))
	for buf := range f.buffers {
		bufs = append(bufs, buf)
	}
	f.buffers = make(map[*gbuf.Buffer]struct{})
	return bufs
}
