// Package gbuf holds the buffers exchanged between the operation engine and
// a host driver. A buffer is owned by whoever allocated it; drivers may
// update Status and ActualLength while it is submitted but never free it.
package gbuf

import (
	"errors"
	"sync/atomic"
)

// Status values reported through Complete. Drivers may use any other
// non-zero value for their own transfer errors.
const (
	StatusOK        = 0
	StatusCancelled = -125
	StatusIO        = -5
	StatusShutdown  = -108
)

var (
	ErrNoMemory = errors.New("gbuf: allocation failed")
	ErrTooBig   = errors.New("gbuf: buffer size exceeds maximum")
)

// CompleteFunc is called by the driver once a submitted buffer is done with,
// successfully or not.
type CompleteFunc func(buf *Buffer)

// Allocator provides the backing storage for buffers. Atomic allocations
// must not block.
type Allocator interface {
	AllocData(buf *Buffer, size int, atomic bool) error
	FreeData(buf *Buffer)
}

// releaser is implemented by allocators that want to know when the data of
// an inbound buffer has been consumed, ahead of the buffer being freed.
type releaser interface {
	Release(buf *Buffer)
}

type Buffer struct {
	TransferBuffer []byte
	ActualLength   int
	Status         int

	CPortID  uint16
	Outbound bool

	// Context is a non-owning back reference for the completion function.
	Context interface{}

	// HCPriv is reserved for the driver.
	HCPriv interface{}

	complete  CompleteFunc
	allocator Allocator
	atomic    bool
	slab      *[]byte
	credit    int32
	freed     int32
}

// Alloc creates a buffer of size bytes for the given cport. Outbound
// buffers carry data to the far end, inbound ones receive it.
func Alloc(a Allocator, cportID uint16, complete CompleteFunc, size int, outbound, atomic bool, context interface{}) (*Buffer, error) {
	buf := &Buffer{
		CPortID:   cportID,
		Outbound:  outbound,
		Context:   context,
		complete:  complete,
		allocator: a,
		atomic:    atomic,
	}
	if err := a.AllocData(buf, size, atomic); err != nil {
		return nil, err
	}
	return buf, nil
}

// Free releases buf's storage. A nil buffer is ignored, as is a second call.
func Free(buf *Buffer) {
	if buf == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&buf.freed, 0, 1) {
		return
	}
	buf.allocator.FreeData(buf)
	buf.TransferBuffer = nil
}

// Finished marks the data of an inbound buffer as consumed.
func Finished(buf *Buffer) {
	if buf == nil {
		return
	}
	if r, ok := buf.allocator.(releaser); ok {
		r.Release(buf)
	}
}

// Complete records status and runs the completion function.
func (buf *Buffer) Complete(status int) {
	buf.Status = status
	if buf.complete != nil {
		buf.complete(buf)
	}
}

// Data returns the used part of the buffer.
func (buf *Buffer) Data() []byte {
	return buf.TransferBuffer[:buf.ActualLength]
}

func (buf *Buffer) Atomic() bool {
	return buf.atomic
}
