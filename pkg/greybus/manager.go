package greybus

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/anobli/greybus/configs"
	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/hd"
	"github.com/anobli/greybus/pkg/logs"
	"github.com/anobli/greybus/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

const ManagerCaller = "Manager"

// Manager owns what connections share: the workqueue running deferred
// work and the request handlers of every protocol.
type Manager struct {
	config    configs.ManagerConfig
	workqueue *Workqueue
	handlers  *Handlers

	connsMu     sync.Mutex
	connections map[*Connection]struct{}

	logger *log.Logger
}

func NewManager(config configs.ManagerConfig) (*Manager, error) {
	if config.LogLevel != "" {
		if err := logs.SetLevel(config.LogLevel); err != nil {
			return nil, errors.Wrap(errors.CodeInvalid, err, ManagerCaller)
		}
	}
	wq, err := NewWorkqueue(config.Workers, config.QueueDepth)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, ManagerCaller)
	}
	return &Manager{
		config:      config,
		workqueue:   wq,
		handlers:    NewHandlers(),
		connections: make(map[*Connection]struct{}),
		logger:      logs.NewLogger(ManagerCaller),
	}, nil
}

// RegisterRequestHandler installs the handler of incoming requests for
// connections speaking protocolID.
func (m *Manager) RegisterRequestHandler(protocolID protocol.ID, handler RequestHandler) errors.Error {
	if err := m.handlers.Register(protocolID, handler); err != nil {
		return err
	}
	m.logger.Infof("registered request handler for protocol %s", protocol.Name(protocolID))
	return nil
}

func (m *Manager) UnregisterRequestHandler(protocolID protocol.ID) {
	m.handlers.Unregister(protocolID)
}

func (m *Manager) Workqueue() *Workqueue {
	return m.workqueue
}

// NewConnection binds a connection speaking protocolID to cportID of host
// and starts routing the cport's inbound frames to it.
func (m *Manager) NewConnection(host *hd.HostDevice, cportID uint16, protocolID protocol.ID) (*Connection, error) {
	if err := host.ReserveCPort(cportID); err != nil {
		return nil, err
	}
	c := &Connection{
		hd:         host,
		cportID:    cportID,
		protocol:   protocolID,
		handlers:   m.handlers,
		workqueue:  m.workqueue,
		pending:    newRegistry(),
		operations: list.New(),
		logger: connectionLogger.WithFields(log.Fields{
			"hd":       host.Name(),
			"cport":    cportID,
			"protocol": protocol.Name(protocolID),
		}),
	}
	if err := host.Register(c); err != nil {
		host.ReleaseCPort(cportID)
		return nil, err
	}

	m.connsMu.Lock()
	m.connections[c] = struct{}{}
	m.connsMu.Unlock()
	c.logger.Debugf("connection created")
	return c, nil
}

// DestroyConnection destroys c and forgets about it.
func (m *Manager) DestroyConnection(c *Connection) {
	m.connsMu.Lock()
	delete(m.connections, c)
	m.connsMu.Unlock()
	c.Destroy()
}

func (m *Manager) String() string {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	return fmt.Sprintf("%d connections, %d queued", len(m.connections), m.workqueue.Pending())
}

// Close destroys the remaining connections and waits for deferred work.
func (m *Manager) Close() {
	m.connsMu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for c := range m.connections {
		conns = append(conns, c)
	}
	m.connections = make(map[*Connection]struct{})
	m.connsMu.Unlock()

	for _, c := range conns {
		c.Destroy()
	}
	m.workqueue.Close()
}
