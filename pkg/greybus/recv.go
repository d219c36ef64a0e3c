package greybus

import (
	"sync/atomic"

	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/message"
	"github.com/anobli/greybus/pkg/protocol"
)

// Receive handles one whole frame arriving on the connection. It runs on
// the driver's reader goroutine, so it only copies the frame into an
// operation buffer and leaves the rest to the workqueue, or to a goroutine
// of its own when the workqueue is full. Malformed or uncorrelated frames
// are logged and dropped.
func (c *Connection) Receive(data []byte) {
	if len(data) > message.SizeMax {
		c.logger.Errorf("message too big (%d bytes)", len(data))
		return
	}
	hdr, err := message.DecodeHeader(data)
	if err != nil {
		c.logger.Errorf("dropping %d byte frame: %s", len(data), err.Error())
		return
	}
	reserved := c.workqueue.reserve()
	release := func() {
		if reserved {
			c.workqueue.unreserve()
		}
	}

	var op *Operation
	var buf *gbuf.Buffer
	if hdr.IsResponse() {
		op, err = c.pending.claim(hdr.ID, func(o *Operation) bool {
			return int(hdr.Size) <= len(o.Response.TransferBuffer)
		})
		switch err {
		case nil:
		case ErrRecvTooSmall:
			release()
			c.logger.Errorf("recv buffer too small for operation %d (%d bytes)", hdr.ID, hdr.Size)
			return
		default:
			release()
			c.logger.Errorf("operation %d not found", hdr.ID)
			return
		}
		if hdr.Type != message.ResponseType(op.typ) {
			c.logger.Warnf("operation %d: response type 0x%02x for request type 0x%02x", hdr.ID, hdr.Type, op.typ)
		}
		buf = op.Response
		buf.Status = gbuf.StatusOK
	} else {
		if int(hdr.Size) != len(data) {
			c.logger.Warnf("request declares %d bytes, received %d", hdr.Size, len(data))
		}
		op, err = c.createOperation(hdr.Type, hdr.PayloadSize(), 0, false)
		if err != nil {
			release()
			c.logger.Errorf("can't create operation for request %s: %s", hdr, err.Error())
			return
		}
		op.id = hdr.ID
		buf = op.Request
	}

	copy(buf.TransferBuffer, data[:hdr.Size])
	buf.ActualLength = int(hdr.Size)

	op.get()
	if !reserved {
		c.logger.Warnf("workqueue full, handling message %s on its own goroutine", hdr)
		c.workqueue.detach(op.recvWork)
		return
	}
	c.workqueue.queueReserved(op.recvWork)
}

// recvWork runs on a worker for an incoming request or for an outgoing
// operation whose response has arrived.
func (op *Operation) recvWork() {
	defer op.put()

	if op.incoming {
		op.handleRequest()
	}
	op.complete()

	if op.incoming {
		gbuf.Finished(op.Request)
		if op.Result() != ResultSuccess && atomic.LoadInt32(&op.responded) == 0 {
			op.Destroy()
		}
		return
	}
	gbuf.Finished(op.Response)
}

func (op *Operation) handleRequest() {
	c := op.conn
	handler, ok := c.handlers.Lookup(c.protocol)
	if !ok {
		c.logger.Errorf("unrecognized protocol %s for request %d type 0x%02x",
			protocol.Name(c.protocol), op.id, op.typ)
		op.SetResult(ResultProtocolBad)
		return
	}
	handler(op)
}
