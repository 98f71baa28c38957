package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoCodeAlone/modhost/transport"
)

// Message types of the readiness protocol.
const (
	MessageModuleReady   = "MODULE_READY"
	MessageModuleFailed  = "MODULE_FAILED"
	MessageStatusRequest = "MODULE_STATUS_REQUEST"
)

// Message is the wire format shared by calls and readiness broadcasts. A call
// carries Action and Params; a broadcast carries Type and ModuleName.
type Message struct {
	Action     string `json:"action,omitempty"`
	Params     Params `json:"params,omitempty"`
	Type       string `json:"type,omitempty"`
	ModuleName string `json:"moduleName,omitempty"`
}

func readinessMessage(module string, state Readiness) Message {
	if state == Ready {
		return Message{Type: MessageModuleReady, ModuleName: module}
	}
	return Message{Type: MessageModuleFailed, ModuleName: module}
}

// handleMessage is the transport listener. It answers calls for local
// modules and applies readiness broadcasts from other contexts.
func (rt *Runtime) handleMessage(ctx context.Context, payload []byte) ([]byte, bool) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		rt.logger.Debug("Ignoring malformed message", "context", rt.context, "error", err)
		return nil, false
	}

	switch {
	case msg.Action != "":
		return rt.answerCall(ctx, msg)
	case msg.Type == MessageModuleReady:
		rt.applyRemoteReadiness(msg.ModuleName, Ready)
	case msg.Type == MessageModuleFailed:
		rt.applyRemoteReadiness(msg.ModuleName, Failed)
	case msg.Type == MessageStatusRequest:
		rt.announceLocal()
	default:
		rt.logger.Debug("Ignoring unknown message", "context", rt.context, "type", msg.Type)
	}
	return nil, false
}

func (rt *Runtime) answerCall(ctx context.Context, msg Message) ([]byte, bool) {
	name, err := ParseActionName(msg.Action)
	if err != nil || !rt.isLocal(name.Module) {
		return nil, false
	}

	// a module still initializing here leaves the call to another context
	var env Envelope
	switch rt.readiness.State(name.Module) {
	case Ready:
		env = rt.registry.Execute(WithRuntime(ctx, rt), name, msg.Params)
	case Failed:
		env = failure(rt.moduleFailure(name.Module))
	default:
		return nil, false
	}
	reply, err := json.Marshal(env)
	if err != nil {
		rt.logger.Error("Failed to encode reply", "action", msg.Action, "error", err)
		return nil, false
	}
	return reply, true
}

// applyRemoteReadiness records a state announced by another context. The
// state of a module hosted here is only ever decided here.
func (rt *Runtime) applyRemoteReadiness(module string, state Readiness) {
	if module == "" || rt.isLocal(module) {
		return
	}
	changed, err := rt.readiness.Set(module, state)
	if err != nil {
		rt.logger.Warn("Ignoring readiness regression", "context", rt.context, "module", module, "state", state, "error", err)
		return
	}
	if changed {
		rt.metrics.readiness(rt.context, state, "remote")
		rt.logger.Debug("Remote module state", "context", rt.context, "module", module, "state", state)
	}
}

// announceLocal re-broadcasts every terminal local state so contexts that
// started late catch up.
func (rt *Runtime) announceLocal() {
	for _, module := range rt.localNames() {
		if state := rt.readiness.State(module); state.Terminal() {
			rt.enqueueBroadcast(readinessMessage(module, state))
		}
	}
}

// broadcaster delivers queued messages in order, so the scheduler never waits
// on the transport.
type broadcaster struct {
	queue  chan Message
	done   chan struct{}
	cancel context.CancelFunc
}

func (rt *Runtime) startBroadcaster() {
	ctx, cancel := context.WithCancel(context.Background())
	b := &broadcaster{
		queue:  make(chan Message, 256),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	rt.mutex.Lock()
	rt.broadcaster = b
	rt.mutex.Unlock()

	go func() {
		defer close(b.done)
		for msg := range b.queue {
			rt.deliverBroadcast(ctx, msg)
		}
	}()
}

func (rt *Runtime) enqueueBroadcast(msg Message) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	if rt.broadcaster == nil || rt.closed {
		return
	}
	select {
	case rt.broadcaster.queue <- msg:
	default:
		rt.logger.Warn("Broadcast queue full, dropping message", "context", rt.context, "type", msg.Type, "module", msg.ModuleName)
	}
}

// stopBroadcaster flushes the queue, giving up when ctx is done.
func (rt *Runtime) stopBroadcaster(ctx context.Context) {
	rt.mutex.Lock()
	b := rt.broadcaster
	rt.broadcaster = nil
	rt.mutex.Unlock()
	if b == nil {
		return
	}
	close(b.queue)
	select {
	case <-b.done:
	case <-ctx.Done():
		b.cancel()
		<-b.done
	}
	b.cancel()
}

func (rt *Runtime) deliverBroadcast(ctx context.Context, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		rt.logger.Error("Failed to encode broadcast", "type", msg.Type, "error", err)
		return
	}
	err = rt.retry(ctx, func(ctx context.Context) error {
		err := rt.transport.Broadcast(ctx, payload)
		if errors.Is(err, transport.ErrNoResponders) {
			// nobody else is listening yet; late joiners ask for status
			return nil
		}
		return err
	})
	rt.metrics.broadcast(rt.context, err)
	if err != nil {
		rt.logger.Warn("Readiness broadcast failed", "context", rt.context, "type", msg.Type, "module", msg.ModuleName, "error", err)
	}
}

// retry runs fn up to BroadcastAttempts times with a fixed delay between
// attempts. A closed transport is not retried.
func (rt *Runtime) retry(ctx context.Context, fn func(context.Context) error) error {
	attempts := rt.config.BroadcastAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil || errors.Is(err, transport.ErrClosed) {
			return err
		}
		if attempt == attempts {
			break
		}
		rt.logger.Debug("Transport delivery failed, retrying", "context", rt.context, "attempt", attempt, "error", err)
		timer := time.NewTimer(rt.config.BroadcastRetryDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}
