package greybus

import (
	"fmt"
	"sync"

	"github.com/anobli/greybus/pkg/errors"
	"github.com/anobli/greybus/pkg/protocol"
)

const HandlersCaller = "Handlers"

// RequestHandler processes an incoming request on a worker. It must either
// call Respond, possibly later from another goroutine, or set a non-success
// result before returning.
type RequestHandler func(op *Operation)

// Handlers maps protocol ids to the handler of their incoming requests.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[protocol.ID]RequestHandler
}

func NewHandlers() *Handlers {
	return &Handlers{
		handlers: make(map[protocol.ID]RequestHandler),
	}
}

func (h *Handlers) Register(id protocol.ID, handler RequestHandler) errors.Error {
	if handler == nil {
		return errors.NonFatalError(errors.CodeInvalid, "nil request handler", HandlersCaller)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[id]; ok {
		return errors.NonFatalError(errors.CodeConflict,
			fmt.Sprintf("protocol %s already has a request handler", protocol.Name(id)), HandlersCaller)
	}
	h.handlers[id] = handler
	return nil
}

func (h *Handlers) Unregister(id protocol.ID) {
	h.mu.Lock()
	delete(h.handlers, id)
	h.mu.Unlock()
}

func (h *Handlers) Lookup(id protocol.ID) (RequestHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.handlers[id]
	return handler, ok
}
