package transport

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/logs"
	log "github.com/sirupsen/logrus"
	"github.com/smallnest/goframe"
	"golang.org/x/net/netutil"
)

const TCPCaller = "TCP"

const writeChanCapacity = 1024

var (
	tcpEncoderConfig = goframe.EncoderConfig{
		ByteOrder:                       binary.BigEndian,
		LengthFieldLength:               4,
		LengthAdjustment:                0,
		LengthIncludesLengthFieldLength: false,
	}

	tcpDecoderConfig = goframe.DecoderConfig{
		ByteOrder:           binary.BigEndian,
		LengthFieldOffset:   0,
		LengthFieldLength:   4,
		LengthAdjustment:    0,
		InitialBytesToStrip: 4,
	}
)

type tcpWrite struct {
	buf   *gbuf.Buffer
	frame []byte
}

// TCP carries the traffic of every cport of a host device over one stream
// connection. Each greybus message travels in its own length prefixed
// frame, behind the id of the cport it belongs to.
type TCP struct {
	*gbuf.Pool

	conn goframe.FrameConn
	host *hd.HostDevice

	writes   chan tcpWrite
	inflight *inflight

	attachOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
	wg         sync.WaitGroup

	logger *log.Entry
}

// NewTCP wraps an established connection. maxSize bounds the buffers the
// driver allocates and atomicCredits the buffers its receive path may hold.
func NewTCP(conn net.Conn, maxSize, atomicCredits int) *TCP {
	return &TCP{
		Pool:     gbuf.NewPool(maxSize, atomicCredits),
		conn:     goframe.NewLengthFieldBasedFrameConn(tcpEncoderConfig, tcpDecoderConfig, conn),
		writes:   make(chan tcpWrite, writeChanCapacity),
		inflight: newInflight(),
		done:     make(chan struct{}),
		logger:   logs.NewLogger(TCPCaller).WithField("remote", conn.RemoteAddr().String()),
	}
}

func Dial(addr string, maxSize, atomicCredits int) (*TCP, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, TCPCaller)
	}
	return NewTCP(conn, maxSize, atomicCredits), nil
}

// Attach binds the host device receiving inbound frames and starts the
// reader and writer goroutines.
func (t *TCP) Attach(host *hd.HostDevice) error {
	if host == nil {
		return ErrNotAttached
	}
	t.attachOnce.Do(func() {
		t.host = host
		t.wg.Add(2)
		go t.readFrames()
		go t.writeFrames()
	})
	return nil
}

// Done is closed once the driver has been closed, locally or because the
// connection failed.
func (t *TCP) Done() <-chan struct{} {
	return t.done
}

func (t *TCP) Submit(buf *gbuf.Buffer) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	w := tcpWrite{buf: buf, frame: encodeCPortFrame(buf.CPortID, buf.Data())}
	t.inflight.add(buf)
	select {
	case <-t.done:
		t.inflight.take(buf)
		return ErrClosed
	case t.writes <- w:
		return nil
	}
}

// Kill cancels buf unless the writer already picked it up.
func (t *TCP) Kill(buf *gbuf.Buffer) error {
	if t.inflight.take(buf) {
		go buf.Complete(gbuf.StatusCancelled)
	}
	return nil
}

func (t *TCP) writeFrames() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case w := <-t.writes:
			if !t.inflight.take(w.buf) {
				continue
			}
			status := gbuf.StatusOK
			if err := t.conn.WriteFrame(w.frame); err != nil {
				t.logger.Errorf("write frame for cport %d: %s", w.buf.CPortID, err.Error())
				status = gbuf.StatusIO
				go t.Close()
			}
			w.buf.Complete(status)
		}
	}
}

func (t *TCP) readFrames() {
	defer t.wg.Done()
	for {
		frame, err := t.conn.ReadFrame()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.logger.Errorf("read routine got error: %s", err.Error())
				go t.Close()
			}
			return
		}
		cportID, msg, ok := decodeCPortFrame(frame)
		if !ok {
			t.logger.Errorf("dropping malformed frame of %d bytes", len(frame))
			continue
		}
		t.host.Receive(cportID, msg)
	}
}

// Close shuts the connection down. Buffers not written yet complete with
// gbuf.StatusShutdown.
func (t *TCP) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if cerr := t.conn.Close(); cerr != nil {
			err = errors.Wrap(errors.CodeInternal, cerr, TCPCaller)
		}
		t.wg.Wait()
		for _, buf := range t.inflight.takeAll() {
			buf.Complete(gbuf.StatusShutdown)
		}
		t.logger.Infof("connection closed")
	})
	return err
}

// Listener accepts TCP drivers, at most maxConns of them at a time.
type Listener struct {
	listener      net.Listener
	maxSize       int
	atomicCredits int
	logger        *log.Logger
}

func Listen(addr string, maxConns, maxSize, atomicCredits int) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, TCPCaller)
	}
	if maxConns > 0 {
		l = netutil.LimitListener(l, maxConns)
	}
	logger := logs.NewLogger(TCPCaller)
	logger.Infof("listening on %s (max %d connections)", l.Addr(), maxConns)
	return &Listener{
		listener:      l,
		maxSize:       maxSize,
		atomicCredits: atomicCredits,
		logger:        logger,
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Accept() (*TCP, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, TCPCaller)
	}
	l.logger.Infof("accepted connection from %s", conn.RemoteAddr())
	return NewTCP(conn, l.maxSize, l.atomicCredits), nil
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
