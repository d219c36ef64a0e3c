package greybus

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/anobli/greybus/configs"
	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/message"
	"github.com/anobli/greybus/pkg/protocol"
)

func TestHandlersRegister(t *testing.T) {
	h := NewHandlers()
	noop := func(*Operation) {}

	if err := h.Register(protocol.Loopback, nil); err == nil || err.Code() != errors.CodeInvalid {
		t.Fatalf("nil handler: err = %v", err)
	}
	if err := h.Register(protocol.Loopback, noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := h.Register(protocol.Loopback, noop); err == nil || err.Code() != errors.CodeConflict {
		t.Fatalf("duplicate register: err = %v", err)
	}
	if _, ok := h.Lookup(protocol.Loopback); !ok {
		t.Fatalf("handler not found")
	}
	if _, ok := h.Lookup(protocol.GPIO); ok {
		t.Fatalf("unexpected handler for gpio")
	}
	h.Unregister(protocol.Loopback)
	if _, ok := h.Lookup(protocol.Loopback); ok {
		t.Fatalf("handler still registered")
	}
}

func TestManagerRejectsBadLogLevel(t *testing.T) {
	cfg := configs.DefaultManagerConfig()
	cfg.LogLevel = "chatty"
	if _, err := NewManager(cfg); err == nil {
		t.Fatalf("bad log level accepted")
	}
}

func TestManagerConnections(t *testing.T) {
	m, err := NewManager(configs.ManagerConfig{Workers: 2, QueueDepth: 8})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer m.Close()
	host, err := hd.Create(newRecordingDriver(), message.SizeMax, 4)
	if err != nil {
		t.Fatalf("host device: %v", err)
	}
	defer host.Put()

	c1, err := m.NewConnection(host, 2, protocol.Loopback)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	if c1.CPortID() != 2 || c1.Protocol() != protocol.Loopback || c1.HostDevice() != host {
		t.Fatalf("connection fields not set")
	}
	if _, err := m.NewConnection(host, 2, protocol.GPIO); err == nil {
		t.Fatalf("second connection on cport 2 accepted")
	}

	c2, err := m.NewConnection(host, 3, protocol.GPIO)
	if err != nil {
		t.Fatalf("connection: %v", err)
	}

	// Frames reach the connection bound to their cport only.
	entered := make(chan protocol.ID, 2)
	m.RegisterRequestHandler(protocol.GPIO, func(op *Operation) {
		entered <- op.Connection().Protocol()
		op.SetResult(ResultInvalid)
	})
	host.Receive(3, requestFrame(1, typePing, nil))
	if got := <-entered; got != protocol.GPIO {
		t.Fatalf("request routed to protocol %s", protocol.Name(got))
	}

	m.DestroyConnection(c2)
	host.Receive(3, requestFrame(2, typePing, nil))
	eventually(t, "release", func() bool { return c2.OperationCount() == 0 })
	if err := host.ReserveCPort(3); err != nil {
		t.Fatalf("cport 3 not released: %v", err)
	}
}

func TestConnectionLogsUnderItsOwnName(t *testing.T) {
	f := newFixture(t, 1, 4)
	var out bytes.Buffer
	f.conn.Logger().Logger.SetOutput(&out)
	defer f.conn.Logger().Logger.SetOutput(io.Discard)

	f.conn.Receive(requestFrame(1, message.ResponseType(typePing), nil))
	line := out.String()
	if !strings.Contains(line, "["+ConnectionCaller+"]") || strings.Contains(line, "["+ManagerCaller+"]") {
		t.Fatalf("unexpected log line %q", line)
	}
	if !strings.Contains(line, "cport") {
		t.Fatalf("log line without the cport: %q", line)
	}
}
