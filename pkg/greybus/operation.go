package greybus

import (
	"container/list"
	"context"
	stderrors "errors"
	"sync/atomic"

	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/message"
)

// Callback is invoked once an asynchronously sent operation completes. It
// always runs on a workqueue worker.
type Callback func(op *Operation)

// Operation is one request/response exchange on a connection.
//
// Outgoing operations are created by CreateOperation and go through
// SendSync or SendAsync; the owner calls Destroy once done with the result.
// Incoming operations are created by the receive path and handed to the
// protocol's request handler, which answers through Respond.
type Operation struct {
	conn     *Connection
	typ      message.Type
	incoming bool

	Request  *gbuf.Buffer
	Response *gbuf.Buffer

	callback Callback
	done     chan struct{}

	// id and pending are guarded by the connection's registry lock while
	// the operation is indexed.
	id      uint16
	pending bool

	// elem is guarded by the connection's operations lock.
	elem *list.Element

	result    int32
	refs      int32
	sent      int32
	completed int32
	responded int32
	destroyed int32
}

func (op *Operation) ID() uint16 {
	return op.id
}

func (op *Operation) Type() message.Type {
	return op.typ
}

func (op *Operation) Incoming() bool {
	return op.incoming
}

func (op *Operation) Connection() *Connection {
	return op.conn
}

func (op *Operation) Result() Result {
	return Result(atomic.LoadInt32(&op.result))
}

func (op *Operation) SetResult(r Result) {
	atomic.StoreInt32(&op.result, int32(r))
}

// Err returns the result as an error, nil on success.
func (op *Operation) Err() error {
	return op.Result().Err()
}

// Done is closed once the operation has completed.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// RequestPayload returns the request bytes following the header.
func (op *Operation) RequestPayload() []byte {
	return payload(op.Request)
}

// ResponsePayload returns the response bytes following the header, nil
// until a response buffer holds a message.
func (op *Operation) ResponsePayload() []byte {
	return payload(op.Response)
}

func payload(buf *gbuf.Buffer) []byte {
	if buf == nil || buf.ActualLength < message.HeaderSize {
		return nil
	}
	return buf.TransferBuffer[message.HeaderSize:buf.ActualLength]
}

func (op *Operation) get() {
	atomic.AddInt32(&op.refs, 1)
}

func (op *Operation) put() {
	if atomic.AddInt32(&op.refs, -1) == 0 {
		op.release()
	}
}

func (op *Operation) release() {
	op.conn.unlinkOperation(op)
	gbuf.Free(op.Response)
	gbuf.Free(op.Request)
}

// Destroy gives up the owner's reference. The buffers are released once no
// submission or deferred work refers to the operation anymore. An operation
// still awaiting its response cannot be destroyed.
func (op *Operation) Destroy() error {
	if op.conn.pending.isPending(op) {
		op.conn.logger.Errorf("operation %d type 0x%02x destroyed while pending", op.id, op.typ)
		return errors.Wrap(int(ResultInvalid), ErrPending, OperationCaller)
	}
	if !atomic.CompareAndSwapInt32(&op.destroyed, 0, 1) {
		return errors.Wrap(int(ResultInvalid), ErrDestroyed, OperationCaller)
	}
	op.put()
	return nil
}

// SendSync sends the request and waits for its response. Cancelling ctx
// kills the request at the transport and returns an error carrying
// ResultInterrupted, or ResultTimeout when the deadline expired.
func (op *Operation) SendSync(ctx context.Context) error {
	if err := op.send(nil); err != nil {
		return err
	}

	select {
	case <-op.done:
		return op.Err()
	case <-ctx.Done():
	}

	result := ResultInterrupted
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		result = ResultTimeout
	}
	op.conn.logger.Warnf("operation %d type 0x%02x %s, cancelling request", op.id, op.typ, result)
	if err := op.conn.hd.KillBuffer(op.Request); err != nil {
		op.conn.logger.Errorf("operation %d: kill request: %s", op.id, err.Error())
	}

	if op.conn.pending.remove(op) {
		op.SetResult(result)
		op.complete()
	} else {
		// The response got claimed first; wait for its completion so the
		// caller can destroy the operation right away.
		<-op.done
	}
	return errors.Wrap(int(result), ctx.Err(), OperationCaller)
}

// SendAsync sends the request and returns once the transport accepted it.
// callback runs exactly once, on a worker, when the operation completes.
func (op *Operation) SendAsync(callback Callback) error {
	if callback == nil {
		return errors.NonFatalError(int(ResultInvalid), "nil callback", OperationCaller)
	}
	return op.send(callback)
}

func (op *Operation) send(callback Callback) error {
	if op.incoming {
		return errors.Wrap(int(ResultInvalid), ErrNotOutgoing, OperationCaller)
	}
	if atomic.LoadInt32(&op.destroyed) != 0 {
		return errors.Wrap(int(ResultInvalid), ErrDestroyed, OperationCaller)
	}
	if !atomic.CompareAndSwapInt32(&op.sent, 0, 1) {
		return errors.Wrap(int(ResultInvalid), ErrAlreadySent, OperationCaller)
	}

	op.callback = callback
	if err := op.conn.pending.insert(op); err != nil {
		return errors.Wrap(int(ResultRetry), err, OperationCaller)
	}
	if err := op.submit(op.Request); err != nil {
		op.conn.pending.remove(op)
		op.conn.logger.Errorf("operation %d type 0x%02x: submit: %s", op.id, op.typ, err.Error())
		return errors.Wrap(errors.CodeInternal, err, OperationCaller)
	}
	return nil
}

// complete notifies whoever waits for op. Only the first call has an
// effect.
func (op *Operation) complete() {
	if !atomic.CompareAndSwapInt32(&op.completed, 0, 1) {
		op.conn.logger.Errorf("operation %d type 0x%02x completed twice", op.id, op.typ)
		return
	}
	if op.callback != nil {
		op.callback(op)
	}
	close(op.done)
}

// ResponseAlloc allocates the response of an incoming request with room for
// payloadSize bytes. The whole payload is used unless SetResponseLength
// says otherwise.
func (op *Operation) ResponseAlloc(payloadSize int) error {
	if !op.incoming {
		return errors.Wrap(int(ResultInvalid), ErrNotIncoming, OperationCaller)
	}
	if op.Response != nil {
		return errors.NonFatalError(int(ResultInvalid), "response already allocated", OperationCaller)
	}
	if payloadSize < 0 || payloadSize > message.PayloadMax {
		return errors.Wrap(int(ResultInvalid), ErrPayloadTooBig, OperationCaller)
	}
	buf, err := op.conn.allocBuffer(op, message.ResponseType(op.typ), payloadSize, true, false)
	if err != nil {
		return errors.Wrap(int(ResultNoMemory), err, OperationCaller)
	}
	buf.ActualLength = len(buf.TransferBuffer)
	op.Response = buf
	return nil
}

// SetResponseLength sets how many payload bytes of the response are sent.
func (op *Operation) SetResponseLength(payloadLen int) error {
	if op.Response == nil {
		return errors.Wrap(int(ResultInvalid), ErrNoResponse, OperationCaller)
	}
	n := message.HeaderSize + payloadLen
	if payloadLen < 0 || n > len(op.Response.TransferBuffer) {
		return errors.Wrap(int(ResultOverflow), ErrPayloadTooBig, OperationCaller)
	}
	op.Response.ActualLength = n
	return nil
}

// Respond sends the response of an incoming request and destroys the
// operation. The response buffer must have been allocated and filled.
func (op *Operation) Respond() error {
	if !op.incoming {
		return errors.Wrap(int(ResultInvalid), ErrNotIncoming, OperationCaller)
	}
	if op.Response == nil {
		return errors.Wrap(int(ResultInvalid), ErrNoResponse, OperationCaller)
	}
	if !atomic.CompareAndSwapInt32(&op.responded, 0, 1) {
		return errors.Wrap(int(ResultInvalid), ErrResponded, OperationCaller)
	}

	buf := op.Response
	message.Header{
		Size: uint16(buf.ActualLength),
		ID:   op.id,
		Type: message.ResponseType(op.typ),
	}.Encode(buf.TransferBuffer)

	op.conn.pending.remove(op)
	err := op.submit(buf)
	if err != nil {
		op.conn.logger.Errorf("operation %d type 0x%02x: submit response: %s", op.id, op.typ, err.Error())
		err = errors.Wrap(errors.CodeInternal, err, OperationCaller)
	}
	op.Destroy()
	return err
}
