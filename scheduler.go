package modhost

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// schedule initializes modules as their dependencies become ready.
//
// Each pass walks the pending modules in catalog order and initializes every
// module whose dependencies are all ready. A pass that made progress is
// followed immediately by another; otherwise the scheduler waits up to
// InitRetryDelay, or less if any readiness changes. Only waits that run the
// full delay count against MaxInitAttempts. Modules still pending when the
// budget is spent are failed.
func (rt *Runtime) schedule(ctx context.Context, modules []Module) error {
	pending := append([]Module(nil), modules...)
	attempts := 0

	for len(pending) > 0 {
		changed := rt.readiness.Changed()
		progressed := false
		var next []Module

		for _, m := range pending {
			manifest := m.Manifest()
			blocked, failedDep := rt.dependencyStatus(manifest.Dependencies)
			switch {
			case failedDep != "" && rt.config.FailFastDependencies:
				rt.fail(ctx, manifest.Name, fmt.Errorf("%w: %s", ErrDependencyFailed, failedDep), "")
				progressed = true
			case blocked:
				next = append(next, m)
			default:
				rt.initModule(ctx, m)
				progressed = true
			}
		}

		pending = next
		if len(pending) == 0 || progressed {
			continue
		}
		if attempts >= rt.config.MaxInitAttempts {
			break
		}

		rt.logger.Debug("Waiting for dependencies", "context", rt.context, "pending", len(pending), "attempt", attempts+1)
		timer := time.NewTimer(rt.config.InitRetryDelay)
		select {
		case <-changed:
			timer.Stop()
		case <-timer.C:
			attempts++
		case <-ctx.Done():
			timer.Stop()
			for _, m := range pending {
				rt.fail(ctx, m.Manifest().Name, fmt.Errorf("initialization cancelled: %w", ctx.Err()), "")
			}
			return ctx.Err()
		}
	}

	for _, m := range pending {
		manifest := m.Manifest()
		err := fmt.Errorf("%w after %d attempts", ErrDependenciesNotMet, attempts)
		rt.logger.Warn("Dependencies not met", "context", rt.context, "module", manifest.Name, "dependencies", manifest.Dependencies, "missing", rt.unready(manifest.Dependencies))
		rt.fail(ctx, manifest.Name, err, "")
	}
	return nil
}

// dependencyStatus reports whether any dependency is not yet ready, and the
// first dependency that has failed.
func (rt *Runtime) dependencyStatus(deps []string) (blocked bool, failed string) {
	for _, dep := range deps {
		switch rt.readiness.State(dep) {
		case Ready:
		case Failed:
			blocked = true
			if failed == "" {
				failed = dep
			}
		default:
			blocked = true
		}
	}
	return blocked, failed
}

func (rt *Runtime) unready(deps []string) []string {
	var out []string
	for _, dep := range deps {
		if rt.readiness.State(dep) != Ready {
			out = append(out, dep)
		}
	}
	return out
}

func (rt *Runtime) initModule(ctx context.Context, m Module) {
	name := m.Manifest().Name
	ctx, span := rt.tracer.Start(ctx, "modhost.module.initialize", trace.WithAttributes(
		attribute.String("modhost.context", string(rt.context)),
		attribute.String("modhost.module", name),
	))
	defer span.End()

	started := time.Now()
	stack, err := rt.runInitializer(ctx, m)
	rt.metrics.moduleInit(rt.context, name, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		rt.fail(ctx, name, err, stack)
		return
	}

	rt.mutex.Lock()
	rt.initOrder = append(rt.initOrder, name)
	rt.mutex.Unlock()
	if _, err := rt.readiness.Set(name, Ready); err != nil {
		rt.logger.Error("Readiness regression", "context", rt.context, "module", name, "error", err)
		return
	}
	rt.metrics.readiness(rt.context, Ready, "local")
	rt.logger.Info("Module ready", "context", rt.context, "module", name, "duration", time.Since(started))
	rt.emitEvent(ctx, EventTypeModuleReady, map[string]any{"module": name, "context": string(rt.context)})
	rt.enqueueBroadcast(readinessMessage(name, Ready))
}

// runInitializer calls the module's Initialize, turning a panic into an error.
func (rt *Runtime) runInitializer(ctx context.Context, m Module) (stack string, err error) {
	initializer, ok := m.(Initializer)
	if !ok {
		return "", nil
	}
	name := m.Manifest().Name
	cfg, err := rt.moduleConfig(ctx, name)
	if err != nil {
		return "", err
	}
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("%w: %v", ErrModulePanicked, r)
		}
	}()
	return "", initializer.Initialize(ctx, rt, cfg)
}

// fail marks a local module failed and withdraws its actions.
func (rt *Runtime) fail(ctx context.Context, module string, cause error, stack string) {
	record := &ModuleError{
		Module:  module,
		Message: cause.Error(),
		Stack:   stack,
		At:      time.Now(),
		Err:     cause,
	}

	rt.mutex.Lock()
	rt.failures[module] = record
	rt.mutex.Unlock()

	if _, err := rt.readiness.Set(module, Failed); err != nil {
		rt.logger.Error("Readiness regression", "context", rt.context, "module", module, "error", err)
		return
	}
	removed := rt.registry.RemoveModule(module)
	rt.metrics.readiness(rt.context, Failed, "local")
	rt.logger.Error("Module failed", "context", rt.context, "module", module, "error", cause, "actionsRemoved", removed)
	rt.emitEvent(ctx, EventTypeModuleFailed, map[string]any{
		"module":  module,
		"context": string(rt.context),
		"error":   record.Message,
	})
	rt.enqueueBroadcast(readinessMessage(module, Failed))
}
