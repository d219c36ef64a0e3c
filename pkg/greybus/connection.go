package greybus

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/logs"
	"github.com/anobli/greybus/pkg/message"
	"github.com/anobli/greybus/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

const ConnectionCaller = "Connection"

var connectionLogger = logs.NewLogger(ConnectionCaller)

// Connection multiplexes operations over one cport of a host device.
type Connection struct {
	hd       *hd.HostDevice
	cportID  uint16
	protocol protocol.ID

	handlers  *Handlers
	workqueue *Workqueue
	pending   *registry

	opsMu      sync.Mutex
	operations *list.List

	destroyed int32
	logger    *log.Entry

	// Private is left to the protocol driver bound to the connection.
	Private interface{}
}

func (c *Connection) CPortID() uint16 {
	return c.cportID
}

func (c *Connection) Protocol() protocol.ID {
	return c.protocol
}

func (c *Connection) HostDevice() *hd.HostDevice {
	return c.hd
}

func (c *Connection) Logger() *log.Entry {
	return c.logger
}

// PendingCount returns the number of operations awaiting a response.
func (c *Connection) PendingCount() int {
	return c.pending.len()
}

// OperationCount returns the number of operations not yet released.
func (c *Connection) OperationCount() int {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	return c.operations.Len()
}

// CreateOperation creates an outgoing operation with room for requestSize
// payload bytes in the request and responseSize in the response.
func (c *Connection) CreateOperation(t message.Type, requestSize, responseSize int) (*Operation, error) {
	if message.IsResponse(t) {
		return nil, errors.Wrap(int(ResultInvalid), ErrResponseType, OperationCaller)
	}
	if responseSize < 0 || responseSize > message.PayloadMax {
		return nil, errors.Wrap(int(ResultInvalid), ErrPayloadTooBig, OperationCaller)
	}
	return c.createOperation(t, requestSize, responseSize, true)
}

// createOperation allocates the request buffer and, for outgoing
// operations, the response buffer. Incoming operations come from the
// receive path and allocate atomically; their response is left to the
// request handler.
func (c *Connection) createOperation(t message.Type, requestSize, responseSize int, outgoing bool) (*Operation, error) {
	if atomic.LoadInt32(&c.destroyed) != 0 {
		return nil, errors.Wrap(int(ResultInvalid), ErrConnectionGone, OperationCaller)
	}
	if requestSize < 0 || requestSize > message.PayloadMax {
		return nil, errors.Wrap(int(ResultInvalid), ErrPayloadTooBig, OperationCaller)
	}

	op := &Operation{
		conn:     c,
		typ:      t,
		incoming: !outgoing,
		refs:     1,
		done:     make(chan struct{}),
	}

	req, err := c.allocBuffer(op, t, requestSize, outgoing, !outgoing)
	if err != nil {
		return nil, errors.Wrap(int(ResultNoMemory), err, OperationCaller)
	}
	req.ActualLength = len(req.TransferBuffer)
	op.Request = req

	if outgoing {
		resp, err := c.allocBuffer(op, message.ResponseType(t), responseSize, false, false)
		if err != nil {
			gbuf.Free(req)
			return nil, errors.Wrap(int(ResultNoMemory), err, OperationCaller)
		}
		op.Response = resp
	}

	c.opsMu.Lock()
	op.elem = c.operations.PushBack(op)
	c.opsMu.Unlock()
	return op, nil
}

func (c *Connection) unlinkOperation(op *Operation) {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	if op.elem != nil {
		c.operations.Remove(op.elem)
		op.elem = nil
	}
}

// OperationSync sends request as an operation of type t and returns the
// response payload, which holds at most responseSize bytes.
func (c *Connection) OperationSync(ctx context.Context, t message.Type, request []byte, responseSize int) ([]byte, error) {
	op, err := c.CreateOperation(t, len(request), responseSize)
	if err != nil {
		return nil, err
	}
	defer op.Destroy()

	copy(op.RequestPayload(), request)
	if err := op.SendSync(ctx); err != nil {
		return nil, err
	}
	return append([]byte(nil), op.ResponsePayload()...), nil
}

// Destroy detaches the connection from its host device. Operations still
// awaiting a response complete with ResultInterrupted.
func (c *Connection) Destroy() {
	if !atomic.CompareAndSwapInt32(&c.destroyed, 0, 1) {
		return
	}
	c.hd.Unregister(c.cportID)
	c.hd.ReleaseCPort(c.cportID)

	for _, op := range c.pending.drain() {
		if err := c.hd.KillBuffer(op.Request); err != nil {
			c.logger.Errorf("operation %d: kill request: %s", op.id, err.Error())
		}
		op.SetResult(ResultInterrupted)
		op.get()
		c.workqueue.QueueOrDetach(op.interruptWork)
	}

	if n := c.OperationCount(); n > 0 {
		c.logger.Warnf("connection destroyed with %d operations outstanding", n)
	}
}

func (op *Operation) interruptWork() {
	defer op.put()
	op.complete()
}
