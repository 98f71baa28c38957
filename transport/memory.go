package transport

import (
	"context"
	"sync"
)

// MemoryHub connects any number of in-process endpoints. Each endpoint behaves
// like a separate execution context: it only sees messages from the others.
type MemoryHub struct {
	endpoints map[string]*memoryEndpoint
	order     []string
	mutex     sync.RWMutex
}

// NewMemoryHub creates a new in-memory hub
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		endpoints: make(map[string]*memoryEndpoint),
	}
}

// Endpoint attaches a new endpoint to the hub. An empty id gets a generated one;
// attaching an existing id replaces the previous endpoint.
func (h *MemoryHub) Endpoint(id string) Transport {
	ep := &memoryEndpoint{id: endpointID(id), hub: h}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, exists := h.endpoints[ep.id]; !exists {
		h.order = append(h.order, ep.id)
	}
	h.endpoints[ep.id] = ep
	return ep
}

// Endpoints returns the ids of attached endpoints in attach order.
func (h *MemoryHub) Endpoints() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	out := make([]string, 0, len(h.order))
	for _, id := range h.order {
		if _, ok := h.endpoints[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (h *MemoryHub) detach(ep *memoryEndpoint) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if current, ok := h.endpoints[ep.id]; ok && current == ep {
		delete(h.endpoints, ep.id)
		for i, id := range h.order {
			if id == ep.id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
}

// peers returns the handlers of every listening endpoint except from.
func (h *MemoryHub) peers(from string) []Handler {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	var handlers []Handler
	for _, id := range h.order {
		if id == from {
			continue
		}
		if handler := h.endpoints[id].currentHandler(); handler != nil {
			handlers = append(handlers, handler)
		}
	}
	return handlers
}

type memoryEndpoint struct {
	id      string
	hub     *MemoryHub
	handler Handler
	closed  bool
	mutex   sync.RWMutex
}

func (e *memoryEndpoint) ID() string {
	return e.id
}

func (e *memoryEndpoint) currentHandler() Handler {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	if e.closed {
		return nil
	}
	return e.handler
}

func (e *memoryEndpoint) isClosed() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.closed
}

func (e *memoryEndpoint) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	peers := e.hub.peers(e.id)
	if len(peers) == 0 {
		return nil, ErrNoResponders
	}

	type result struct {
		reply []byte
		ok    bool
	}
	// buffered so late answers never block a handler goroutine
	results := make(chan result, len(peers))
	for _, handler := range peers {
		go func(h Handler) {
			reply, ok := h(ctx, clone(payload))
			results <- result{reply: reply, ok: ok}
		}(handler)
	}

	for pending := len(peers); pending > 0; pending-- {
		select {
		case r := <-results:
			if r.ok {
				return r.reply, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, ErrNoResponders
}

func (e *memoryEndpoint) Broadcast(ctx context.Context, payload []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	peers := e.hub.peers(e.id)
	if len(peers) == 0 {
		return ErrNoResponders
	}
	for _, handler := range peers {
		go handler(context.WithoutCancel(ctx), clone(payload))
	}
	return nil
}

func (e *memoryEndpoint) Listen(handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.handler != nil {
		return ErrAlreadyListening
	}
	e.handler = handler
	return nil
}

func (e *memoryEndpoint) Close() error {
	e.mutex.Lock()
	if e.closed {
		e.mutex.Unlock()
		return nil
	}
	e.closed = true
	e.mutex.Unlock()

	e.hub.detach(e)
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
