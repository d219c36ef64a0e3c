package greybus

import (
	"bytes"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/message"
	"github.com/anobli/greybus/pkg/protocol"
)

func TestReceiveUnknownResponseDropped(t *testing.T) {
	f := newFixture(t, 2, 8)
	op, _ := f.conn.CreateOperation(typePing, 0, 0)
	if err := op.SendAsync(func(*Operation) {}); err != nil {
		t.Fatalf("send: %v", err)
	}
	req := f.driver.nextSubmitted(t)

	f.conn.Receive(requestFrame(op.ID()+100, message.ResponseType(typePing), nil))

	if f.conn.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", f.conn.PendingCount())
	}
	if f.manager.Workqueue().Pending() != 0 {
		t.Fatalf("work queued for an unknown response")
	}
	select {
	case <-op.Done():
		t.Fatalf("operation completed by a foreign response")
	default:
	}
	req.Complete(gbuf.StatusOK)
}

func TestReceiveMalformedDropped(t *testing.T) {
	f := newFixture(t, 2, 8)
	cases := map[string][]byte{
		"oversized": make([]byte, message.SizeMax+1),
		"truncated": {0x08, 0x00, 0x01},
		"short":     requestFrame(1, typePing, []byte{1, 2, 3, 4})[:10],
	}
	for name, frame := range cases {
		f.conn.Receive(frame)
		if n := f.conn.OperationCount(); n != 0 {
			t.Fatalf("%s: %d operations created", name, n)
		}
	}
	if f.driver.Credits() != 16 {
		t.Fatalf("credits = %d, want 16", f.driver.Credits())
	}
}

func TestReceiveResponseTooBigKeepsPending(t *testing.T) {
	f := newFixture(t, 2, 8)
	op, _ := f.conn.CreateOperation(typePing, 0, 4)
	if err := op.SendAsync(func(*Operation) {}); err != nil {
		t.Fatalf("send: %v", err)
	}
	req := f.driver.nextSubmitted(t)
	req.Complete(gbuf.StatusOK)

	f.conn.Receive(responseTo(req, make([]byte, 8)))
	if f.conn.PendingCount() != 1 {
		t.Fatalf("oversized response claimed the operation")
	}

	f.conn.Receive(responseTo(req, []byte{4, 3, 2, 1}))
	waitDone(t, op)
	if !bytes.Equal(op.ResponsePayload(), []byte{4, 3, 2, 1}) {
		t.Fatalf("response payload = %v", op.ResponsePayload())
	}
	op.Destroy()
}

func TestReceiveResponseTypeMismatchStillCompletes(t *testing.T) {
	f := newFixture(t, 2, 8)
	op, _ := f.conn.CreateOperation(typePing, 0, 0)
	if err := op.SendAsync(func(*Operation) {}); err != nil {
		t.Fatalf("send: %v", err)
	}
	req := f.driver.nextSubmitted(t)
	req.Complete(gbuf.StatusOK)

	f.conn.Receive(requestFrame(op.ID(), message.ResponseType(typePing+1), nil))
	waitDone(t, op)
	if op.Result() != ResultSuccess {
		t.Fatalf("result = %s", op.Result())
	}
	op.Destroy()
}

func TestReceiveRequestWithoutHandler(t *testing.T) {
	f := newFixture(t, 2, 8)
	f.conn.Receive(requestFrame(7, typePing, []byte{1, 2}))

	eventually(t, "incoming operation release", func() bool { return f.conn.OperationCount() == 0 })
	if f.driver.Credits() != 16 {
		t.Fatalf("credits = %d, want 16", f.driver.Credits())
	}
	select {
	case <-f.driver.submitted:
		t.Fatalf("response sent without a handler")
	default:
	}
}

func TestReceiveRequestResponded(t *testing.T) {
	f := newFixture(t, 2, 8)
	handled := make(chan *Operation, 1)
	err := f.manager.RegisterRequestHandler(protocol.Loopback, func(op *Operation) {
		handled <- op
		req := op.RequestPayload()
		if err := op.ResponseAlloc(len(req) + 2); err != nil {
			t.Errorf("response alloc: %v", err)
			op.SetResult(ResultNoMemory)
			return
		}
		copy(op.ResponsePayload(), req)
		if err := op.SetResponseLength(len(req)); err != nil {
			t.Errorf("response length: %v", err)
		}
		if err := op.Respond(); err != nil {
			t.Errorf("respond: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	f.conn.Receive(requestFrame(0x1234, typePing, []byte("abc")))

	var op *Operation
	select {
	case op = <-handled:
	case <-time.After(waitTimeout):
		t.Fatalf("handler not called")
	}
	if !op.Incoming() || op.ID() != 0x1234 || op.Type() != typePing {
		t.Fatalf("unexpected incoming operation id=%d type=0x%02x", op.ID(), op.Type())
	}

	resp := f.driver.nextSubmitted(t)
	hdr, derr := message.DecodeHeader(resp.Data())
	if derr != nil {
		t.Fatalf("response header: %v", derr)
	}
	want := message.Header{Size: message.HeaderSize + 3, ID: 0x1234, Type: message.ResponseType(typePing)}
	if hdr != want {
		t.Fatalf("response header = %s, want %s", hdr, want)
	}
	if string(resp.Data()[message.HeaderSize:]) != "abc" {
		t.Fatalf("response payload = %q", resp.Data()[message.HeaderSize:])
	}

	resp.Complete(gbuf.StatusOK)
	eventually(t, "incoming operation release", func() bool { return f.conn.OperationCount() == 0 })
	if f.driver.Credits() != 16 {
		t.Fatalf("credits = %d, want 16", f.driver.Credits())
	}
}

func TestReceiveRequestsWhenWorkqueueFull(t *testing.T) {
	f := newFixture(t, 1, 1)
	entered := make(chan uint16, 4)
	block := make(chan struct{})
	f.manager.RegisterRequestHandler(protocol.Loopback, func(op *Operation) {
		entered <- op.ID()
		<-block
		op.SetResult(ResultInvalid)
	})
	wq := f.manager.Workqueue()

	f.conn.Receive(requestFrame(1, typePing, nil))
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatalf("handler not called")
	}

	// The second request leaves the queue and waits for the busy worker,
	// the third one fills the queue.
	f.conn.Receive(requestFrame(2, typePing, nil))
	eventually(t, "dispatch", func() bool { return wq.Pending() == 0 })
	f.conn.Receive(requestFrame(3, typePing, nil))
	if wq.Pending() != 1 {
		t.Fatalf("queued = %d, want 1", wq.Pending())
	}

	// No slot left: the fourth request is handled anyway.
	f.conn.Receive(requestFrame(4, typePing, nil))
	select {
	case id := <-entered:
		if id != 4 {
			t.Fatalf("handler called for request %d, want 4", id)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("request received on a full workqueue not handled")
	}
	if n := f.conn.OperationCount(); n != 4 {
		t.Fatalf("operations = %d, want 4", n)
	}

	close(block)
	eventually(t, "incoming operations release", func() bool { return f.conn.OperationCount() == 0 })
	if f.driver.Credits() != 16 {
		t.Fatalf("credits = %d, want 16", f.driver.Credits())
	}
}

func TestReceiveResponseWhenWorkqueueFull(t *testing.T) {
	f := newFixture(t, 1, 1)
	wq := f.manager.Workqueue()
	block := make(chan struct{})
	defer close(block)

	entered := make(chan struct{})
	if err := wq.Queue(func() {
		close(entered)
		<-block
	}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	<-entered
	if err := wq.Queue(func() { <-block }); err != nil {
		t.Fatalf("queue: %v", err)
	}
	eventually(t, "dispatch", func() bool { return wq.Pending() == 0 })
	if err := wq.Queue(func() {}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if wq.Pending() != 1 {
		t.Fatalf("queued = %d, want 1", wq.Pending())
	}

	var calls int32
	op, _ := f.conn.CreateOperation(typePing, 0, 2)
	if err := op.SendAsync(func(*Operation) { atomic.AddInt32(&calls, 1) }); err != nil {
		t.Fatalf("send: %v", err)
	}
	req := f.driver.nextSubmitted(t)
	req.Complete(gbuf.StatusOK)

	f.conn.Receive(responseTo(req, []byte{7, 8}))
	waitDone(t, op)
	if op.Result() != ResultSuccess || atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("result = %s, callbacks = %d", op.Result(), atomic.LoadInt32(&calls))
	}
	if !bytes.Equal(op.ResponsePayload(), []byte{7, 8}) {
		t.Fatalf("response payload = %v", op.ResponsePayload())
	}
	if f.conn.PendingCount() != 0 {
		t.Fatalf("operation still pending")
	}
	op.Destroy()
}
