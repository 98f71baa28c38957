package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the connection settings for the Redis transport
type RedisConfig struct {
	URL      string `json:"url" yaml:"url" toml:"url" env:"URL" default:"redis://localhost:6379"`
	Prefix   string `json:"prefix" yaml:"prefix" toml:"prefix" env:"PREFIX" default:"modhost"`
	Username string `json:"username" yaml:"username" toml:"username" env:"USERNAME"`
	Password string `json:"password" yaml:"password" toml:"password" env:"PASSWORD"`
	PoolSize int    `json:"poolSize" yaml:"poolSize" toml:"poolSize" env:"POOL_SIZE" default:"10"`
}

// RedisTransport multiplexes requests and broadcasts over one shared pub/sub
// channel. Each endpoint also subscribes to its own reply channel; replies are
// correlated to requests by frame id.
type RedisTransport struct {
	id         string
	client     *redis.Client
	ownsClient bool
	busChannel string
	replyChan  string

	replies *redis.PubSub
	bus     *redis.PubSub
	handler Handler

	pending map[string]chan frame
	closed  bool
	mutex   sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DialRedis connects to Redis and returns a transport endpoint that owns the
// connection.
func DialRedis(ctx context.Context, cfg RedisConfig, id string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.Username != "" {
		opts.Username = cfg.Username
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	t, err := NewRedisTransport(ctx, client, cfg.Prefix, id)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	t.ownsClient = true
	return t, nil
}

// NewRedisTransport creates an endpoint on an existing client. The caller keeps
// ownership of the client.
func NewRedisTransport(ctx context.Context, client *redis.Client, prefix, id string) (*RedisTransport, error) {
	if prefix == "" {
		prefix = "modhost"
	}
	id = endpointID(id)

	t := &RedisTransport{
		id:         id,
		client:     client,
		busChannel: prefix + ":bus",
		replyChan:  prefix + ":reply:" + id,
		pending:    make(map[string]chan frame),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	t.replies = client.Subscribe(ctx, t.replyChan)
	// wait for the subscription confirmation so no reply can be missed
	if _, err := t.replies.Receive(ctx); err != nil {
		_ = t.replies.Close()
		t.cancel()
		return nil, fmt.Errorf("subscribe %s: %w", t.replyChan, err)
	}

	t.wg.Add(1)
	go t.receive(t.replies)
	return t, nil
}

func (t *RedisTransport) ID() string {
	return t.id
}

func (t *RedisTransport) Request(ctx context.Context, payload []byte) ([]byte, error) {
	f := frame{
		ID:      newID(),
		Kind:    frameRequest,
		From:    t.id,
		ReplyTo: t.replyChan,
		Payload: payload,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil, ErrClosed
	}
	replyCh := make(chan frame, 1)
	t.pending[f.ID] = replyCh
	self := 0
	if t.bus != nil {
		self = 1
	}
	t.mutex.Unlock()

	defer func() {
		t.mutex.Lock()
		delete(t.pending, f.ID)
		t.mutex.Unlock()
	}()

	receivers, err := t.client.Publish(ctx, t.busChannel, data).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to publish to Redis: %w", err)
	}
	if receivers <= int64(self) {
		return nil, ErrNoResponders
	}

	select {
	case reply := <-replyCh:
		return reply.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, ErrClosed
	}
}

func (t *RedisTransport) Broadcast(ctx context.Context, payload []byte) error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return ErrClosed
	}
	self := 0
	if t.bus != nil {
		self = 1
	}
	t.mutex.Unlock()

	data, err := json.Marshal(frame{ID: newID(), Kind: frameBroadcast, From: t.id, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	receivers, err := t.client.Publish(ctx, t.busChannel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}
	if receivers <= int64(self) {
		return ErrNoResponders
	}
	return nil
}

func (t *RedisTransport) Listen(handler Handler) error {
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

	bus := t.client.Subscribe(t.ctx, t.busChannel)
	if _, err := bus.Receive(t.ctx); err != nil {
		_ = bus.Close()
		return fmt.Errorf("subscribe %s: %w", t.busChannel, err)
	}
	t.handler = handler
	t.bus = bus

	t.wg.Add(1)
	go t.receive(bus)
	return nil
}

func (t *RedisTransport) Close() error {
	t.mutex.Lock()
	if t.closed {
		t.mutex.Unlock()
		return nil
	}
	t.closed = true
	t.cancel()
	replies, bus := t.replies, t.bus
	t.mutex.Unlock()

	_ = replies.Close()
	if bus != nil {
		_ = bus.Close()
	}
	t.wg.Wait()

	if t.ownsClient {
		if err := t.client.Close(); err != nil {
			return fmt.Errorf("error closing Redis client: %w", err)
		}
	}
	return nil
}

func (t *RedisTransport) receive(sub *redis.PubSub) {
	defer t.wg.Done()

	ch := sub.Channel()
	for {
		select {
		case <-t.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var f frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				continue
			}
			if f.From == t.id {
				continue
			}
			t.dispatch(f)
		}
	}
}

func (t *RedisTransport) dispatch(f frame) {
	switch f.Kind {
	case frameReply:
		t.mutex.Lock()
		ch, ok := t.pending[f.ID]
		if ok {
			// first reply wins
			delete(t.pending, f.ID)
		}
		t.mutex.Unlock()
		if ok {
			ch <- f
		}

	case frameRequest, frameBroadcast:
		t.mutex.Lock()
		handler := t.handler
		t.mutex.Unlock()
		if handler == nil {
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			reply, ok := handler(t.ctx, f.Payload)
			if f.Kind != frameRequest || !ok || f.ReplyTo == "" {
				return
			}
			data, err := json.Marshal(frame{ID: f.ID, Kind: frameReply, From: t.id, Payload: reply})
			if err != nil {
				return
			}
			_ = t.client.Publish(t.ctx, f.ReplyTo, data).Err()
		}()
	}
}
