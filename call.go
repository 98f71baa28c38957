package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Call invokes action ("module.action") with args, waiting for the module to
// become ready first. Modules hosted by this runtime are dispatched through
// the local registry; any other module is reached over the transport, where
// whichever context hosts it answers.
func (rt *Runtime) Call(ctx context.Context, action string, args ...any) (json.RawMessage, error) {
	name, err := ParseActionName(action)
	if err != nil {
		return nil, err
	}
	params, err := NewParams(args...)
	if err != nil {
		return nil, err
	}

	route := "remote"
	if rt.isLocal(name.Module) {
		route = "local"
	}
	ctx, span := rt.tracer.Start(ctx, "modhost.call", trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("modhost.context", string(rt.context)),
		attribute.String("modhost.action", action),
		attribute.String("modhost.route", route),
	))
	defer span.End()
	started := time.Now()

	result, err := rt.call(ctx, name, params)
	rt.metrics.call(rt.context, route, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rt.logger.Debug("Call failed", "context", rt.context, "action", action, "route", route, "error", err)
		rt.emitEvent(ctx, EventTypeCallFailed, map[string]any{
			"action":  action,
			"context": string(rt.context),
			"route":   route,
			"error":   err.Error(),
		})
	}
	return result, err
}

func (rt *Runtime) call(ctx context.Context, name ActionName, params Params) (json.RawMessage, error) {
	if err := rt.WaitForModule(ctx, name.Module, rt.config.WaitTimeout); err != nil {
		return nil, err
	}

	var env Envelope
	if rt.isLocal(name.Module) {
		env = rt.registry.Execute(WithRuntime(ctx, rt), name, params)
	} else {
		var err error
		if env, err = rt.remoteCall(ctx, name, params); err != nil {
			return nil, err
		}
	}
	if err := env.Err(name.String()); err != nil {
		return nil, err
	}
	return env.Result, nil
}

func (rt *Runtime) remoteCall(ctx context.Context, name ActionName, params Params) (Envelope, error) {
	if rt.transport == nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrNoTransport, name)
	}
	payload, err := json.Marshal(Message{Action: name.String(), Params: params})
	if err != nil {
		return Envelope{}, fmt.Errorf("encode call %s: %w", name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, rt.config.CallTimeout)
	defer cancel()

	var reply []byte
	err = rt.retry(ctx, func(ctx context.Context) error {
		var err error
		reply, err = rt.transport.Request(ctx, payload)
		return err
	})
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: call %s: %w", ErrTransport, name, err)
	}

	var env Envelope
	if err := json.Unmarshal(reply, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode reply to %s: %w", ErrTransport, name, err)
	}
	return env, nil
}

// CallAs calls action and decodes the result into T.
func CallAs[T any](ctx context.Context, rt *Runtime, action string, args ...any) (T, error) {
	var out T
	raw, err := rt.Call(ctx, action, args...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode result of %s: %w", action, err)
	}
	return out, nil
}

// WaitForModule blocks until module is ready. It fails with ErrModuleFailed
// if the module failed, with ErrModuleWaitTimeout once timeout elapses, and
// with ctx's error if ctx ends first. A non-positive timeout waits as long
// as ctx allows.
func (rt *Runtime) WaitForModule(ctx context.Context, module string, timeout time.Duration) error {
	switch rt.readiness.State(module) {
	case Ready:
		return nil
	case Failed:
		return rt.moduleFailure(module)
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	state, err := rt.readiness.Wait(waitCtx, module)
	switch {
	case err == nil && state == Ready:
		return nil
	case err == nil:
		return rt.moduleFailure(module)
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s not ready after %s", ErrModuleWaitTimeout, module, timeout)
	default:
		return err
	}
}
