package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// headerFrom carries the sending endpoint id so endpoints can drop their own
// messages; NATS delivers to every matching subscriber, including the sender.
const headerFrom = "Modhost-From"

// NATSConfig holds the connection settings for the NATS transport
type NATSConfig struct {
	URL    string `json:"url" yaml:"url" toml:"url" env:"URL" default:"nats://127.0.0.1:4222"`
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix" env:"PREFIX" default:"modhost"`
	Name   string `json:"name" yaml:"name" toml:"name" env:"NAME"`
}

// NATSTransport uses two subjects: <prefix>.request for request/reply, where
// NATS itself returns the first reply, and <prefix>.broadcast for one-way
// messages.
type NATSTransport struct {
	id        string
	conn      *nats.Conn
	ownsConn  bool
	requestTo string
	broadcast string

	subs    []*nats.Subscription
	handler Handler
	closed  bool
	mutex   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DialNATS connects to a NATS server and returns an endpoint that owns the
// connection.
func DialNATS(cfg NATSConfig, id string, opts ...nats.Option) (*NATSTransport, error) {
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t := NewNATSTransport(conn, cfg.Prefix, id)
	t.ownsConn = true
	return t, nil
}

// NewNATSTransport creates an endpoint on an existing connection.
func NewNATSTransport(conn *nats.Conn, prefix, id string) *NATSTransport {
	if prefix == "" {
		prefix = "modhost"
	}
	t := &NATSTransport{
		id:        endpointID(id),
		conn:      conn,
		requestTo: prefix + ".request",
		broadcast: prefix + ".broadcast",
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

func (t *NATSTransport) ID() string {
	return t.id
}

func (t *NATSTransport) isClosed() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.closed
}

func (t *NATSTransport) message(subject string, payload []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(headerFrom, t.id)
	msg.Data = payload
	return msg
}

func (t *NATSTransport) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	reply, err := t.conn.RequestMsgWithContext(ctx, t.message(t.requestTo, payload))
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, ErrNoResponders
	}
	if err != nil {
		return nil, fmt.Errorf("nats request: %w", err)
	}
	return reply.Data, nil
}

func (t *NATSTransport) Broadcast(ctx context.Context, payload []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if err := t.conn.PublishMsg(t.message(t.broadcast, payload)); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (t *NATSTransport) Listen(handler Handler) error {
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

	requests, err := t.conn.Subscribe(t.requestTo, func(msg *nats.Msg) {
		if msg.Header.Get(headerFrom) == t.id {
			return
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			reply, ok := handler(t.ctx, msg.Data)
			if ok {
				_ = msg.Respond(reply)
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.requestTo, err)
	}

	broadcasts, err := t.conn.Subscribe(t.broadcast, func(msg *nats.Msg) {
		if msg.Header.Get(headerFrom) == t.id {
			return
		}
		handler(t.ctx, msg.Data)
	})
	if err != nil {
		_ = requests.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", t.broadcast, err)
	}

	// make sure the server has registered interest before anyone publishes
	if err := t.conn.Flush(); err != nil {
		_ = requests.Unsubscribe()
		_ = broadcasts.Unsubscribe()
		return fmt.Errorf("nats flush: %w", err)
	}

	t.handler = handler
	t.subs = []*nats.Subscription{requests, broadcasts}
	return nil
}

func (t *NATSTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.mutex.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.cancel()
	t.wg.Wait()

	if t.ownsConn {
		t.conn.Close()
	}
	return nil
}
