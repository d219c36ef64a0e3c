package greybus

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/anobli/greybus/configs"
	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/logs"
	"github.com/anobli/greybus/pkg/message"
	"github.com/anobli/greybus/pkg/protocol"
)

const waitTimeout = 2 * time.Second

var errSubmit = errors.New("submit refused")

func init() {
	logs.SetOutput(io.Discard)
}

// recordingDriver hands every submitted or killed buffer to the test, which
// decides when and how it completes.
type recordingDriver struct {
	*gbuf.Pool
	submitted chan *gbuf.Buffer
	killed    chan *gbuf.Buffer
	submitErr error
}

func newRecordingDriver() *recordingDriver {
	return &recordingDriver{
		Pool:      gbuf.NewPool(message.SizeMax, 16),
		submitted: make(chan *gbuf.Buffer, 64),
		killed:    make(chan *gbuf.Buffer, 64),
	}
}

func (d *recordingDriver) Submit(buf *gbuf.Buffer) error {
	if d.submitErr != nil {
		return d.submitErr
	}
	d.submitted <- buf
	return nil
}

func (d *recordingDriver) Kill(buf *gbuf.Buffer) error {
	d.killed <- buf
	return nil
}

func (d *recordingDriver) nextSubmitted(t *testing.T) *gbuf.Buffer {
	t.Helper()
	select {
	case buf := <-d.submitted:
		return buf
	case <-time.After(waitTimeout):
		t.Fatalf("no buffer submitted")
	}
	return nil
}

func (d *recordingDriver) nextKilled(t *testing.T) *gbuf.Buffer {
	t.Helper()
	select {
	case buf := <-d.killed:
		return buf
	case <-time.After(waitTimeout):
		t.Fatalf("no buffer killed")
	}
	return nil
}

type fixture struct {
	manager *Manager
	host    *hd.HostDevice
	driver  *recordingDriver
	conn    *Connection
}

func newFixture(t *testing.T, workers, depth int) *fixture {
	t.Helper()
	m, err := NewManager(configs.ManagerConfig{Workers: workers, QueueDepth: depth})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	d := newRecordingDriver()
	host, err := hd.Create(d, message.SizeMax, 8)
	if err != nil {
		t.Fatalf("host device: %v", err)
	}
	conn, err := m.NewConnection(host, 1, protocol.Loopback)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	t.Cleanup(func() {
		m.Close()
		host.Put()
	})
	return &fixture{manager: m, host: host, driver: d, conn: conn}
}

// responseTo builds the response frame to the request held in req.
func responseTo(req *gbuf.Buffer, payload []byte) []byte {
	hdr, _ := message.DecodeHeader(req.TransferBuffer)
	frame := make([]byte, message.HeaderSize+len(payload))
	message.Header{
		Size: uint16(len(frame)),
		ID:   hdr.ID,
		Type: message.ResponseType(hdr.Type),
	}.Encode(frame)
	copy(frame[message.HeaderSize:], payload)
	return frame
}

func requestFrame(id uint16, t message.Type, payload []byte) []byte {
	frame := make([]byte, message.HeaderSize+len(payload))
	message.Header{Size: uint16(len(frame)), ID: id, Type: t}.Encode(frame)
	copy(frame[message.HeaderSize:], payload)
	return frame
}

func waitDone(t *testing.T, op *Operation) {
	t.Helper()
	select {
	case <-op.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("operation %d did not complete", op.ID())
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
