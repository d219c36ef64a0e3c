package greybus

import (
	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/message"
)

// allocBuffer allocates a buffer for a message carrying payloadSize bytes.
// Outgoing messages get their header filled in here; incoming ones are
// overwritten by the received bytes, header included.
func (c *Connection) allocBuffer(op *Operation, t message.Type, payloadSize int, outbound, atomic bool) (*gbuf.Buffer, error) {
	size := message.HeaderSize + payloadSize
	buf, err := c.hd.AllocBuffer(c.cportID, c.bufferComplete, size, outbound, atomic, op)
	if err != nil {
		return nil, err
	}
	if outbound {
		message.NewHeader(payloadSize, t).Encode(buf.TransferBuffer)
	}
	return buf, nil
}

// bufferComplete is called by the driver for every submitted buffer. The
// operation is not terminated here, a transfer error only gets reported.
func (c *Connection) bufferComplete(buf *gbuf.Buffer) {
	op := buf.Context.(*Operation)
	if buf.Status != gbuf.StatusOK {
		id, t := -1, -1
		if (buf == op.Request || buf == op.Response) && len(buf.TransferBuffer) >= message.HeaderSize {
			id = int(message.ID(buf.TransferBuffer))
			t = int(buf.TransferBuffer[4])
		}
		c.logger.Errorf("operation %d type %d buffer error %d", id, t, buf.Status)
	}
	op.put()
}

// submit hands buf to the driver. The operation stays alive until the
// driver completes the buffer.
func (op *Operation) submit(buf *gbuf.Buffer) error {
	op.get()
	if err := op.conn.hd.SubmitBuffer(buf); err != nil {
		op.put()
		return err
	}
	return nil
}
