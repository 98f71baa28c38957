package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	wsReadLimit      = 1 << 20
	wsWriteTimeout   = 5 * time.Second
	wsPendingTTL     = 2 * time.Minute
	errNoRespondersW = "no responders"
)

// WSHub relays frames between WebSocket endpoints. Requests and broadcasts are
// forwarded to every other connection; the first reply to a request is routed
// back to the requester and later ones are dropped. Endpoints identify
// themselves with the id query parameter.
type WSHub struct {
	conns   map[string]*websocket.Conn
	pending map[string]pendingRequest
	mutex   sync.Mutex
}

type pendingRequest struct {
	from string
	at   time.Time
}

// NewWSHub creates an empty hub. Mount it on any path with http.Handle.
func NewWSHub() *WSHub {
	return &WSHub{
		conns:   make(map[string]*websocket.Conn),
		pending: make(map[string]pendingRequest),
	}
}

// Connected returns the number of attached endpoints.
func (h *WSHub) Connected() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.conns)
}

func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing endpoint id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")
	conn.SetReadLimit(wsReadLimit)

	h.attach(id, conn)
	defer h.detach(id, conn)

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		// the hub knows who sent the frame; never trust the claimed sender
		f.From = id
		h.route(ctx, f)
	}
}

func (h *WSHub) attach(id string, conn *websocket.Conn) {
	h.mutex.Lock()
	previous := h.conns[id]
	h.conns[id] = conn
	h.mutex.Unlock()
	if previous != nil {
		_ = previous.Close(websocket.StatusPolicyViolation, "replaced by a new connection")
	}
}

func (h *WSHub) detach(id string, conn *websocket.Conn) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.conns[id] == conn {
		delete(h.conns, id)
	}
}

func (h *WSHub) others(id string) []*websocket.Conn {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	out := make([]*websocket.Conn, 0, len(h.conns))
	for other, conn := range h.conns {
		if other != id {
			out = append(out, conn)
		}
	}
	return out
}

func (h *WSHub) route(ctx context.Context, f frame) {
	switch f.Kind {
	case frameRequest:
		targets := h.others(f.From)
		if len(targets) == 0 {
			h.sendTo(ctx, f.From, frame{ID: f.ID, Kind: frameReply, Error: errNoRespondersW})
			return
		}
		h.mutex.Lock()
		now := time.Now()
		for id, p := range h.pending {
			if now.Sub(p.at) > wsPendingTTL {
				delete(h.pending, id)
			}
		}
		h.pending[f.ID] = pendingRequest{from: f.From, at: now}
		h.mutex.Unlock()
		h.fanOut(ctx, targets, f)

	case frameBroadcast:
		h.fanOut(ctx, h.others(f.From), f)

	case frameReply:
		h.mutex.Lock()
		p, ok := h.pending[f.ID]
		delete(h.pending, f.ID)
		h.mutex.Unlock()
		if ok {
			h.sendTo(ctx, p.from, f)
		}
	}
}

func (h *WSHub) sendTo(ctx context.Context, id string, f frame) {
	h.mutex.Lock()
	conn := h.conns[id]
	h.mutex.Unlock()
	if conn != nil {
		h.fanOut(ctx, []*websocket.Conn{conn}, f)
	}
}

func (h *WSHub) fanOut(ctx context.Context, conns []*websocket.Conn, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		_ = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
	}
}

// WebSocketConfig locates the WSHub endpoints connect to.
type WebSocketConfig struct {
	URL string `json:"url" yaml:"url" toml:"url" env:"URL"`
}

// WSTransport is an endpoint connected to a WSHub.
type WSTransport struct {
	id   string
	conn *websocket.Conn

	handler Handler
	pending map[string]chan frame
	closed  bool
	mutex   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DialWebSocket connects to the hub at hubURL (ws:// or wss://) as endpoint id.
func DialWebSocket(ctx context.Context, hubURL, id string) (*WSTransport, error) {
	id = endpointID(id)

	u, err := url.Parse(hubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid hub URL: %w", err)
	}
	q := u.Query()
	q.Set("id", id)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	t := &WSTransport{
		id:      id,
		conn:    conn,
		pending: make(map[string]chan frame),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.wg.Add(1)
	go t.receive()
	return t, nil
}

func (t *WSTransport) ID() string {
	return t.id
}

func (t *WSTransport) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (t *WSTransport) Request(ctx context.Context, payload []byte) ([]byte, error) {
	f := frame{ID: newID(), Kind: frameRequest, From: t.id, Payload: payload}

	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil, ErrClosed
	}
	replyCh := make(chan frame, 1)
	t.pending[f.ID] = replyCh
	t.mutex.Unlock()

	defer func() {
		t.mutex.Lock()
		delete(t.pending, f.ID)
		t.mutex.Unlock()
	}()

	if err := t.write(ctx, f); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.Error == errNoRespondersW {
			return nil, ErrNoResponders
		}
		if reply.Error != "" {
			return nil, fmt.Errorf("hub: %s", reply.Error)
		}
		return reply.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrClosed
	}
}

func (t *WSTransport) Broadcast(ctx context.Context, payload []byte) error {
	t.mutex.Lock()
	closed := t.closed
	t.mutex.Unlock()
	if closed {
		return ErrClosed
	}
	return t.write(ctx, frame{ID: newID(), Kind: frameBroadcast, From: t.id, Payload: payload})
}

func (t *WSTransport) Listen(handler Handler) error {
	if handler == nil {
		return ErrHandlerNil
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.handler != nil {
		return ErrAlreadyListening
	}
	t.handler = handler
	return nil
}

func (t *WSTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.mutex.Unlock()

	// cancelling a pending Read tears the connection down, so close first
	_ = t.conn.Close(websocket.StatusNormalClosure, "closing")
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *WSTransport) receive() {
	defer t.wg.Done()
	// a dead connection fails every outstanding request
	defer t.cancel()

	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if f.From == t.id {
			continue
		}

		switch f.Kind {
		case frameReply:
			t.mutex.Lock()
			ch, ok := t.pending[f.ID]
			delete(t.pending, f.ID)
			t.mutex.Unlock()
			if ok {
				ch <- f
			}

		case frameRequest, frameBroadcast:
			t.mutex.Lock()
			handler := t.handler
			t.mutex.Unlock()
			if handler == nil {
				continue
			}
			t.wg.Add(1)
			go func(f frame) {
				defer t.wg.Done()
				reply, ok := handler(t.ctx, f.Payload)
				if f.Kind != frameRequest || !ok {
					return
				}
				writeCtx, cancel := context.WithTimeout(t.ctx, wsWriteTimeout)
				defer cancel()
				_ = t.write(writeCtx, frame{ID: f.ID, Kind: frameReply, From: t.id, Payload: reply})
			}(f)
		}
	}
}
