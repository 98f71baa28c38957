package modhost

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

// Registry maps qualified action names to handlers.
type Registry struct {
	mutex    sync.RWMutex
	handlers map[ActionName]Handler
	logger   Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Registry{
		handlers: make(map[ActionName]Handler),
		logger:   logger,
	}
}

// Register stores handler under module.action. Registering the same name
// again replaces the previous handler.
func (r *Registry) Register(module, action string, handler Handler) error {
	if module == "" || action == "" {
		return fmt.Errorf("%w: %q.%q", ErrInvalidActionName, module, action)
	}
	if handler == nil {
		return fmt.Errorf("%w: %s.%s", ErrHandlerNil, module, action)
	}
	name := ActionName{Module: module, Action: action}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, exists := r.handlers[name]; exists {
		r.logger.Debug("Replacing action handler", "action", name.String())
	}
	r.handlers[name] = handler
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name ActionName) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Execute runs the named action. Every outcome, including unknown names,
// handler errors and panics, is reported in the envelope.
func (r *Registry) Execute(ctx context.Context, name ActionName, params Params) Envelope {
	r.mutex.RLock()
	handler, ok := r.handlers[name]
	r.mutex.RUnlock()
	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrActionNotFound, name))
	}

	result, err := r.invoke(ctx, name, handler, params)
	if err != nil {
		return failure(err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return failure(fmt.Errorf("encode result of %s: %w", name, err))
	}
	return Envelope{Success: true, Result: data}
}

func (r *Registry) invoke(ctx context.Context, name ActionName, handler Handler, params Params) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("Action panicked", "action", name.String(), "panic", recovered, "stack", string(debug.Stack()))
			err = fmt.Errorf("action %s panicked: %v", name, recovered)
		}
	}()
	return handler(ctx, params)
}

// RemoveModule drops every action of module and returns how many were removed.
func (r *Registry) RemoveModule(module string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	removed := 0
	for name := range r.handlers {
		if name.Module == module {
			delete(r.handlers, name)
			removed++
		}
	}
	return removed
}

// Names lists registered actions, sorted.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name.String())
	}
	sort.Strings(names)
	return names
}
