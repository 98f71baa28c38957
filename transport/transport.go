// Package transport carries messages between module runtimes that live in
// different execution contexts. A transport offers two primitives: Request,
// which is delivered to every other endpoint and resolves with the first reply,
// and Broadcast, which is delivered to every other endpoint without a reply.
//
// Request implements "broadcast and let the owner answer": every endpoint sees
// the request, only the endpoint that owns the target answers, so no directory
// service is needed. Senders never receive their own messages.
//
// Several engines are provided:
//   - MemoryHub: in-process fan-out, for tests and single-binary hosts
//   - NATSTransport: NATS subjects with native request/reply
//   - RedisTransport: Redis pub/sub with per-endpoint reply channels
//   - WSHub/WSTransport: a WebSocket relay hosted by one process
package transport

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
)

// Transport errors
var (
	ErrNoResponders     = errors.New("no endpoint answered the request")
	ErrClosed           = errors.New("transport is closed")
	ErrHandlerNil       = errors.New("handler cannot be nil")
	ErrAlreadyListening = errors.New("transport already has a handler")
)

// Handler processes an inbound payload. It returns ok=false when the message
// is not addressed to this endpoint, in which case no reply is sent.
type Handler func(ctx context.Context, payload []byte) (reply []byte, ok bool)

// Transport is an asynchronous, location-transparent message channel between
// execution contexts.
type Transport interface {
	// ID returns the unique identifier of this endpoint.
	ID() string

	// Request delivers payload to every other endpoint and returns the first
	// reply. It fails with ErrNoResponders when the engine can tell that no
	// endpoint will answer, or with the context error on timeout.
	Request(ctx context.Context, payload []byte) ([]byte, error)

	// Broadcast delivers payload to every other endpoint without waiting for
	// handlers. Engines that can count receivers return ErrNoResponders when
	// there are none.
	Broadcast(ctx context.Context, payload []byte) error

	// Listen installs the handler for inbound requests and broadcasts. Only one
	// handler may be installed per endpoint.
	Listen(handler Handler) error

	// Close stops delivery and releases resources.
	Close() error
}

// frameKind identifies what a frame carries on engines that multiplex requests,
// broadcasts and replies over one channel.
type frameKind string

const (
	frameRequest   frameKind = "request"
	frameBroadcast frameKind = "broadcast"
	frameReply     frameKind = "reply"
)

// frame is the envelope used by the Redis and WebSocket engines.
type frame struct {
	ID      string    `json:"id"`
	Kind    frameKind `json:"kind"`
	From    string    `json:"from"`
	ReplyTo string    `json:"replyTo,omitempty"`
	Payload []byte    `json:"payload,omitempty"`
	Error   string    `json:"error,omitempty"`
}

func newID() string {
	return ulid.Make().String()
}

func endpointID(id string) string {
	if id == "" {
		return newID()
	}
	return id
}
