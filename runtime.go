package modhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/GoCodeAlone/modhost/oauth"
	"github.com/GoCodeAlone/modhost/store"
	"github.com/GoCodeAlone/modhost/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/GoCodeAlone/modhost"

// Runtime hosts the modules of one execution context.
type Runtime struct {
	context   ContextName
	catalog   *Catalog
	config    RuntimeConfig
	logger    Logger
	transport transport.Transport
	store     store.Store
	oauth     *oauth.Manager
	metrics   *Metrics
	tracer    trace.Tracer

	registry      *Registry
	readiness     *ReadinessTable
	observers     observers
	moduleConfigs map[string]json.RawMessage

	mutex       sync.RWMutex
	local       map[string]Module
	initOrder   []string
	failures    map[string]*ModuleError
	broadcaster *broadcaster
	initialized bool
	closed      bool

	// options apply before the logger is settled
	optionErrs []error
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithTransport connects the runtime to other contexts.
func WithTransport(t transport.Transport) Option {
	return func(rt *Runtime) { rt.transport = t }
}

// WithStore sets the store module configuration is read from.
func WithStore(s store.Store) Option {
	return func(rt *Runtime) { rt.store = s }
}

// WithOAuthManager sets the manager OAuth descriptors are registered with.
func WithOAuthManager(m *oauth.Manager) Option {
	return func(rt *Runtime) { rt.oauth = m }
}

// WithRuntimeConfig overrides the scheduler and protocol tuning. Zero fields
// take their defaults.
func WithRuntimeConfig(cfg RuntimeConfig) Option {
	return func(rt *Runtime) {
		if err := ProcessConfigDefaults(&cfg); err != nil {
			rt.optionErrs = append(rt.optionErrs, fmt.Errorf("runtime config defaults: %w", err))
		}
		rt.config = cfg
	}
}

// WithMetrics records runtime metrics.
func WithMetrics(m *Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// WithTracer overrides the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(rt *Runtime) { rt.tracer = t }
}

// WithObserver registers observers for every event.
func WithObserver(observers ...Observer) Option {
	return func(rt *Runtime) {
		for _, o := range observers {
			if err := rt.RegisterObserver(o); err != nil {
				rt.optionErrs = append(rt.optionErrs, fmt.Errorf("register observer: %w", err))
			}
		}
	}
}

// WithModuleConfig supplies configuration for a module. A config.<module>
// entry in the store takes precedence.
func WithModuleConfig(module string, raw json.RawMessage) Option {
	return func(rt *Runtime) { rt.moduleConfigs[module] = raw }
}

// NewRuntime creates the runtime for contextName. Several runtimes may share
// a process.
func NewRuntime(contextName ContextName, catalog *Catalog, opts ...Option) *Runtime {
	if catalog == nil {
		catalog = &Catalog{}
	}
	rt := &Runtime{
		context:       contextName,
		catalog:       catalog,
		config:        DefaultRuntimeConfig(),
		logger:        nopLogger{},
		readiness:     NewReadinessTable(),
		moduleConfigs: make(map[string]json.RawMessage),
		local:         make(map[string]Module),
		failures:      make(map[string]*ModuleError),
	}
	for _, opt := range opts {
		opt(rt)
	}
	for _, err := range rt.optionErrs {
		rt.logger.Warn("Ignoring invalid runtime option", "context", contextName, "error", err)
	}
	rt.optionErrs = nil
	if rt.tracer == nil {
		rt.tracer = otel.Tracer(tracerName)
	}
	rt.registry = NewRegistry(rt.logger)
	return rt
}

type runtimeKey struct{}

// WithRuntime returns a copy of ctx carrying rt. Action handlers receive a
// context prepared this way, so a module instance shared by several runtimes
// can tell which one is dispatching.
func WithRuntime(ctx context.Context, rt *Runtime) context.Context {
	return context.WithValue(ctx, runtimeKey{}, rt)
}

// RuntimeFromContext returns the runtime dispatching the current action.
func RuntimeFromContext(ctx context.Context) (*Runtime, bool) {
	rt, ok := ctx.Value(runtimeKey{}).(*Runtime)
	return rt, ok && rt != nil
}

// Context returns the runtime's context name.
func (rt *Runtime) Context() ContextName { return rt.context }

// Config returns the effective tuning.
func (rt *Runtime) Config() RuntimeConfig { return rt.config }

// Logger returns the runtime logger, for modules.
func (rt *Runtime) Logger() Logger { return rt.logger }

// Registry exposes the action registry.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Readiness exposes the readiness table.
func (rt *Runtime) Readiness() *ReadinessTable { return rt.readiness }

// OAuth returns the OAuth manager, or nil.
func (rt *Runtime) OAuth() *oauth.Manager { return rt.oauth }

// Store returns the configured store, or nil.
func (rt *Runtime) Store() store.Store { return rt.store }

// Errors returns the recorded module failures, ordered by module name.
func (rt *Runtime) Errors() []*ModuleError {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	out := make([]*ModuleError, 0, len(rt.failures))
	for _, e := range rt.failures {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out
}

// ModuleError returns the failure recorded for module, if any.
func (rt *Runtime) ModuleError(module string) (*ModuleError, bool) {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	e, ok := rt.failures[module]
	return e, ok
}

// LocalModules lists the modules hosted by this runtime in catalog order.
func (rt *Runtime) LocalModules() []string {
	return rt.localNames()
}

func (rt *Runtime) localNames() []string {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	var names []string
	for _, name := range rt.catalog.Names() {
		if _, ok := rt.local[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

func (rt *Runtime) isLocal(module string) bool {
	rt.mutex.RLock()
	defer rt.mutex.RUnlock()
	_, ok := rt.local[module]
	return ok
}

func (rt *Runtime) moduleFailure(module string) error {
	if e, ok := rt.ModuleError(module); ok {
		return fmt.Errorf("%w: %s: %s", ErrModuleFailed, module, e.Message)
	}
	return fmt.Errorf("%w: %s", ErrModuleFailed, module)
}

// Initialize loads this context's modules and runs the dependency scheduler
// until every module is ready or failed. Module failures do not fail
// Initialize; they are reported by Errors. Registration problems such as an
// invalid OAuth descriptor are returned.
func (rt *Runtime) Initialize(ctx context.Context) error {
	rt.mutex.Lock()
	if rt.closed {
		rt.mutex.Unlock()
		return ErrRuntimeClosed
	}
	if rt.initialized {
		rt.mutex.Unlock()
		return ErrAlreadyInitialized
	}
	rt.initialized = true
	modules := rt.catalog.ForContext(rt.context)
	for _, m := range modules {
		rt.local[m.Manifest().Name] = m
	}
	rt.mutex.Unlock()

	rt.logger.Info("Initializing runtime", "context", rt.context, "modules", len(modules))

	for _, m := range modules {
		if err := rt.load(ctx, m); err != nil {
			return err
		}
	}

	if rt.transport != nil {
		rt.startBroadcaster()
		if err := rt.transport.Listen(rt.handleMessage); err != nil {
			return fmt.Errorf("listen on transport: %w", err)
		}
		rt.enqueueBroadcast(Message{Type: MessageStatusRequest})
	}

	err := rt.schedule(ctx, modules)

	snapshot := rt.readiness.Snapshot()
	ready, failed := 0, 0
	for _, m := range modules {
		switch snapshot[m.Manifest().Name] {
		case Ready:
			ready++
		case Failed:
			failed++
		}
	}
	rt.logger.Info("Runtime initialized", "context", rt.context, "ready", ready, "failed", failed)
	rt.emitEvent(ctx, EventTypeRuntimeInitialized, map[string]any{
		"context": string(rt.context),
		"ready":   ready,
		"failed":  failed,
	})
	return err
}

// load registers a module's actions and OAuth descriptor.
func (rt *Runtime) load(ctx context.Context, m Module) error {
	manifest := m.Manifest()

	if provider, ok := m.(ActionProvider); ok {
		handlers := provider.Actions()
		for _, action := range manifest.Actions {
			handler, exists := handlers[action]
			if !exists || handler == nil {
				rt.logger.Warn("Declared action has no handler", "module", manifest.Name, "action", action)
				continue
			}
			if err := rt.registry.Register(manifest.Name, action, handler); err != nil {
				return err
			}
		}
	} else if len(manifest.Actions) > 0 {
		rt.logger.Warn("Module declares actions but provides no handlers", "module", manifest.Name)
	}

	if manifest.OAuth != nil {
		if rt.oauth == nil {
			return fmt.Errorf("%w: %s", ErrOAuthManagerMissing, manifest.Name)
		}
		if err := rt.oauth.Register(ctx, *manifest.OAuth); err != nil {
			return fmt.Errorf("register OAuth provider for module %s: %w", manifest.Name, err)
		}
	}
	return nil
}

// Close stops modules in reverse initialization order, flushes pending
// broadcasts and closes the transport.
func (rt *Runtime) Close(ctx context.Context) error {
	rt.mutex.Lock()
	if rt.closed {
		rt.mutex.Unlock()
		return nil
	}
	order := append([]string(nil), rt.initOrder...)
	modules := make([]Module, len(order))
	for i, name := range order {
		modules[i] = rt.local[name]
	}
	rt.mutex.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		stoppable, ok := modules[i].(Stoppable)
		if !ok {
			continue
		}
		if err := stoppable.Stop(ctx); err != nil {
			rt.logger.Error("Failed to stop module", "module", order[i], "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", order[i], err))
		}
	}

	rt.stopBroadcaster(ctx)

	rt.mutex.Lock()
	rt.closed = true
	rt.mutex.Unlock()

	if rt.transport != nil {
		if err := rt.transport.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	rt.logger.Info("Runtime closed", "context", rt.context)
	return errors.Join(errs...)
}
