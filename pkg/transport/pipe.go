package transport

import (
	"sync"

	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/logs"
	log "github.com/sirupsen/logrus"
)

const PipeCaller = "Pipe"

const pipeDepth = 1024

type pipeFrame struct {
	cportID uint16
	data    []byte
	buf     *gbuf.Buffer
	from    *Pipe
}

// Pipe is one end of an in-memory link between two host devices. Each
// submitted buffer is copied and delivered to the host device attached to
// the other end, with the same cport id, from that end's reader goroutine.
type Pipe struct {
	*gbuf.Pool

	peer *Pipe
	host *hd.HostDevice

	frames      chan pipeFrame
	completions chan *gbuf.Buffer
	inflight    *inflight

	attachOnce sync.Once
	closeOnce  sync.Once
	closeMu    sync.RWMutex
	closed     bool
	done       chan struct{}
	wg         sync.WaitGroup

	logger *log.Logger
}

// NewPipe returns both ends of a pipe. maxSize bounds the buffers each end
// allocates and atomicCredits the buffers its receive path may hold.
func NewPipe(maxSize, atomicCredits int) (*Pipe, *Pipe) {
	a := newPipeEnd(maxSize, atomicCredits)
	b := newPipeEnd(maxSize, atomicCredits)
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd(maxSize, atomicCredits int) *Pipe {
	return &Pipe{
		Pool:        gbuf.NewPool(maxSize, atomicCredits),
		frames:      make(chan pipeFrame, pipeDepth),
		completions: make(chan *gbuf.Buffer, pipeDepth),
		inflight:    newInflight(),
		done:        make(chan struct{}),
		logger:      logs.NewLogger(PipeCaller),
	}
}

// Attach binds the host device receiving the frames sent by the other end
// and starts this end's goroutines.
func (p *Pipe) Attach(host *hd.HostDevice) error {
	p.attachOnce.Do(func() {
		p.host = host
		p.wg.Add(2)
		go p.deliverFrames()
		go p.completeBuffers()
	})
	return nil
}

func (p *Pipe) Submit(buf *gbuf.Buffer) error {
	frame := pipeFrame{
		cportID: buf.CPortID,
		data:    append([]byte(nil), buf.Data()...),
		buf:     buf,
		from:    p,
	}
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peer.done:
		return ErrClosed
	default:
	}
	p.inflight.add(buf)
	select {
	case <-p.done:
		p.inflight.take(buf)
		return ErrClosed
	case <-p.peer.done:
		p.inflight.take(buf)
		return ErrClosed
	case p.peer.frames <- frame:
		return nil
	}
}

// Kill cancels buf if the other end has not delivered it yet. The buffer
// completes with gbuf.StatusCancelled in that case.
func (p *Pipe) Kill(buf *gbuf.Buffer) error {
	if p.inflight.take(buf) {
		p.queueCompletion(buf, gbuf.StatusCancelled)
	}
	return nil
}

func (p *Pipe) queueCompletion(buf *gbuf.Buffer, status int) {
	buf.Status = status
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		buf.Complete(status)
		return
	}
	select {
	case p.completions <- buf:
	case <-p.done:
		buf.Complete(status)
	}
}

func (p *Pipe) deliverFrames() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case f := <-p.frames:
			if !f.from.inflight.take(f.buf) {
				continue
			}
			p.host.Receive(f.cportID, f.data)
			f.from.queueCompletion(f.buf, gbuf.StatusOK)
		}
	}
}

func (p *Pipe) completeBuffers() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case buf := <-p.completions:
			buf.Complete(buf.Status)
		}
	}
}

// Close stops this end. Buffers it still has in flight complete with
// gbuf.StatusShutdown.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		p.closeMu.Lock()
		p.closed = true
		p.closeMu.Unlock()
		close(p.done)
		p.wg.Wait()
	drain:
		for {
			select {
			case buf := <-p.completions:
				buf.Complete(buf.Status)
			default:
				break drain
			}
		}
		for _, buf := range p.inflight.takeAll() {
			buf.Complete(gbuf.StatusShutdown)
		}
		p.logger.Debugf("pipe end closed")
	})
	return nil
}
