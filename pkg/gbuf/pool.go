package gbuf

import (
	"sync"
	"sync/atomic"
)

// Pool is the default Allocator. Blocking allocations are only bounded by
// the maximum buffer size. Atomic allocations additionally consume one
// credit each from a fixed budget, so the receive path cannot allocate
// without limit while deferred work is lagging behind. The credit comes back
// when the buffer is finished or freed, whichever happens first.
type Pool struct {
	maxSize int
	credits chan struct{}
	slabs   sync.Pool
}

// NewPool returns a pool handing out buffers of at most maxSize bytes with
// atomicCredits concurrent atomic allocations.
func NewPool(maxSize int, atomicCredits int) *Pool {
	p := &Pool{
		maxSize: maxSize,
		credits: make(chan struct{}, atomicCredits),
	}
	for i := 0; i < atomicCredits; i++ {
		p.credits <- struct{}{}
	}
	p.slabs.New = func() interface{} {
		b := make([]byte, maxSize)
		return &b
	}
	return p
}

func (p *Pool) AllocData(buf *Buffer, size int, atomicAlloc bool) error {
	if size > p.maxSize || size < 0 {
		return ErrTooBig
	}
	if atomicAlloc {
		select {
		case <-p.credits:
			atomic.StoreInt32(&buf.credit, 1)
		default:
			return ErrNoMemory
		}
	}
	slab := p.slabs.Get().(*[]byte)
	data := (*slab)[:size]
	for i := range data {
		data[i] = 0
	}
	buf.TransferBuffer = data
	buf.slab = slab
	return nil
}

func (p *Pool) FreeData(buf *Buffer) {
	p.Release(buf)
	if buf.slab != nil {
		p.slabs.Put(buf.slab)
		buf.slab = nil
	}
}

// Release gives back the credit held by buf, if any.
func (p *Pool) Release(buf *Buffer) {
	if atomic.CompareAndSwapInt32(&buf.credit, 1, 0) {
		p.credits <- struct{}{}
	}
}

// Credits returns the number of atomic allocations currently possible.
func (p *Pool) Credits() int {
	return len(p.credits)
}

func (p *Pool) MaxSize() int {
	return p.maxSize
}
