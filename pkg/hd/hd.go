package hd

import (
	"fmt"
	"sync"

	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/gbuf"
	"github.com/anobli/greybus/pkg/logs"
	"github.com/anobli/greybus/pkg/message"
	log "github.com/sirupsen/logrus"
)

const HostDeviceCaller = "HostDevice"

const (
	CPortIDMax = 4095
	busIDMax   = 1 << 16
)

// Driver is what a transport provides to the operation engine. Submit and
// Kill are asynchronous: the buffer's completion function reports the
// outcome later, including for killed buffers.
type Driver interface {
	gbuf.Allocator
	Submit(buf *gbuf.Buffer) error
	Kill(buf *gbuf.Buffer) error
}

// Receiver consumes whole inbound frames for one cport. Receive is called
// from the driver's reader goroutine and must not block.
type Receiver interface {
	CPortID() uint16
	Receive(data []byte)
}

var busIDs = newIDA(1, busIDMax)

type HostDevice struct {
	driver        Driver
	busID         int
	name          string
	bufferSizeMax int
	numCPorts     int

	cportIDs *ida

	receiversMu sync.RWMutex
	receivers   map[uint16]Receiver

	putOnce sync.Once
	logger  *log.Entry
}

// Create validates the driver parameters and allocates a bus id for a new
// host device.
func Create(driver Driver, bufferSizeMax int, numCPorts int) (*HostDevice, error) {
	logger := logs.NewLogger(HostDeviceCaller)

	if driver == nil {
		return nil, errors.NonFatalError(errors.CodeInvalid, "driver must implement submit and kill", HostDeviceCaller)
	}
	if bufferSizeMax < message.SizeMin {
		return nil, errors.NonFatalError(errors.CodeInvalid,
			fmt.Sprintf("host device buffers too small (%d < %d)", bufferSizeMax, message.SizeMin), HostDeviceCaller)
	}
	if numCPorts == 0 || numCPorts > CPortIDMax+1 {
		return nil, errors.NonFatalError(errors.CodeInvalid,
			fmt.Sprintf("invalid number of cports: %d", numCPorts), HostDeviceCaller)
	}
	if bufferSizeMax > message.SizeMax {
		logger.Warnf("limiting buffer size to %d", message.SizeMax)
		bufferSizeMax = message.SizeMax
	}

	busID, ok := busIDs.get()
	if !ok {
		return nil, errors.NonFatalError(errors.CodeNoMemory, "no bus id available", HostDeviceCaller)
	}

	name := fmt.Sprintf("greybus%d", busID)
	return &HostDevice{
		driver:        driver,
		busID:         busID,
		name:          name,
		bufferSizeMax: bufferSizeMax,
		numCPorts:     numCPorts,
		cportIDs:      newIDA(0, numCPorts),
		receivers:     make(map[uint16]Receiver),
		logger:        logger.WithField("hd", name),
	}, nil
}

// Put releases the bus id. Only the first call has an effect.
func (hd *HostDevice) Put() {
	hd.putOnce.Do(func() {
		busIDs.remove(hd.busID)
	})
}

func (hd *HostDevice) BusID() int {
	return hd.busID
}

func (hd *HostDevice) Name() string {
	return hd.name
}

func (hd *HostDevice) BufferSizeMax() int {
	return hd.bufferSizeMax
}

func (hd *HostDevice) NumCPorts() int {
	return hd.numCPorts
}

func (hd *HostDevice) Logger() *log.Entry {
	return hd.logger
}

// AllocCPort returns the lowest unused cport id.
func (hd *HostDevice) AllocCPort() (uint16, error) {
	id, ok := hd.cportIDs.get()
	if !ok {
		return 0, errors.NonFatalError(errors.CodeNoMemory, "no cport available", HostDeviceCaller)
	}
	return uint16(id), nil
}

// ReserveCPort claims a specific cport id.
func (hd *HostDevice) ReserveCPort(id uint16) error {
	if !hd.cportIDs.reserve(int(id)) {
		return errors.NonFatalError(errors.CodeConflict, fmt.Sprintf("cport %d unavailable", id), HostDeviceCaller)
	}
	return nil
}

func (hd *HostDevice) ReleaseCPort(id uint16) {
	hd.cportIDs.remove(int(id))
}

func (hd *HostDevice) Register(r Receiver) error {
	hd.receiversMu.Lock()
	defer hd.receiversMu.Unlock()
	if _, ok := hd.receivers[r.CPortID()]; ok {
		return errors.NonFatalError(errors.CodeConflict, fmt.Sprintf("cport %d already has a receiver", r.CPortID()), HostDeviceCaller)
	}
	hd.receivers[r.CPortID()] = r
	return nil
}

func (hd *HostDevice) Unregister(cportID uint16) {
	hd.receiversMu.Lock()
	delete(hd.receivers, cportID)
	hd.receiversMu.Unlock()
}

// Receive routes a whole inbound frame to the receiver of cportID. Drivers
// call it from their reader goroutine.
func (hd *HostDevice) Receive(cportID uint16, data []byte) {
	hd.receiversMu.RLock()
	r, ok := hd.receivers[cportID]
	hd.receiversMu.RUnlock()
	if !ok {
		hd.logger.Errorf("nonexistent cport %d, dropping %d bytes", cportID, len(data))
		return
	}
	r.Receive(data)
}

// AllocBuffer allocates a transfer buffer through the driver.
func (hd *HostDevice) AllocBuffer(cportID uint16, complete gbuf.CompleteFunc, size int, outbound, atomic bool, context interface{}) (*gbuf.Buffer, error) {
	if size > hd.bufferSizeMax {
		return nil, gbuf.ErrTooBig
	}
	return gbuf.Alloc(hd.driver, cportID, complete, size, outbound, atomic, context)
}

func (hd *HostDevice) SubmitBuffer(buf *gbuf.Buffer) error {
	return hd.driver.Submit(buf)
}

func (hd *HostDevice) KillBuffer(buf *gbuf.Buffer) error {
	return hd.driver.Kill(buf)
}
