// Package host assembles a complete host process from a Config: the store,
// the OAuth token manager and its refresh schedule, one transport endpoint
// and one runtime per configured context, the redirect URI callback server
// and the admin HTTP endpoint.
//
//	cfg, err := host.LoadConfig("modhost.yaml")
//	catalog, _ := modhost.NewCatalog(tokens.NewModule(), diagnostics.NewModule())
//	h, err := host.New(cfg, catalog, host.WithLogger(slog.Default()))
//	err = h.Run(ctx)
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/logmask"
	"github.com/GoCodeAlone/modhost/oauth"
	"github.com/GoCodeAlone/modhost/store"
	"github.com/GoCodeAlone/modhost/surface"
	"github.com/GoCodeAlone/modhost/transport"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Host runs every configured context of one process.
type Host struct {
	cfg       *Config
	catalog   *modhost.Catalog
	slog      *slog.Logger
	logger    modhost.Logger
	opener    oauth.Opener
	observers []modhost.Observer
	registry  *prometheus.Registry

	mutex      sync.Mutex
	started    bool
	stopped    bool
	store      store.Store
	manager    *oauth.Manager
	refresh    *oauth.RefreshScheduler
	callbacks  []*surface.CallbackServer
	redirects  map[string]bool
	memoryHub  *transport.MemoryHub
	runtimes   []*modhost.Runtime
	admin      *adminServer
	recordings *surface.RecordingOpener
	cancel     context.CancelFunc
}

// Option configures a Host
type Option func(*Host)

// WithLogger sets the logger. By default the log section of the config
// selects a handler on stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) { h.slog = logger }
}

// WithOpener replaces the browser used for authorization pages.
func WithOpener(opener oauth.Opener) Option {
	return func(h *Host) { h.opener = opener }
}

// WithObserver registers observers on every runtime.
func WithObserver(observers ...modhost.Observer) Option {
	return func(h *Host) { h.observers = append(h.observers, observers...) }
}

// WithStore uses an already open store instead of the configured engine.
func WithStore(s store.Store) Option {
	return func(h *Host) { h.store = s }
}

// New validates cfg and prepares a host for catalog. Nothing is opened until
// Start.
func New(cfg *Config, catalog *modhost.Catalog, opts ...Option) (*Host, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	if catalog == nil {
		catalog = &modhost.Catalog{}
	}
	h := &Host{
		cfg:      cfg,
		catalog:  catalog,
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.slog == nil {
		h.slog = NewSlog(cfg.Log, os.Stderr)
	}
	h.logger = h.maskedLogger(h.slog)
	if budget := cfg.OAuth.AuthTimeout + 2*cfg.OAuth.HTTPTimeout; cfg.Runtime.CallTimeout <= budget {
		h.logger.Warn("Call timeout is shorter than an interactive authorization; remote token requests may fail with a deadline error",
			"callTimeout", cfg.Runtime.CallTimeout, "authorizationBudget", budget)
	}
	return h, nil
}

// maskedLogger wraps l with the configured credential masking. The mask
// config was validated by Finalize.
func (h *Host) maskedLogger(l *slog.Logger) modhost.Logger {
	masked, err := logmask.New(modhost.NewSlogLogger(l), h.cfg.Log.Mask)
	if err != nil {
		return modhost.NewSlogLogger(l)
	}
	return masked
}

// Config returns the effective configuration.
func (h *Host) Config() *Config { return h.cfg }

// Registry returns the prometheus registry holding the host's metrics.
func (h *Host) Registry() *prometheus.Registry { return h.registry }

// OAuth returns the token manager, or nil before Start.
func (h *Host) OAuth() *oauth.Manager {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.manager
}

// Runtime returns the runtime of a hosted context.
func (h *Host) Runtime(name modhost.ContextName) (*modhost.Runtime, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if !h.started || h.stopped {
		return nil, ErrNotStarted
	}
	for _, rt := range h.runtimes {
		if rt.Context() == name {
			return rt, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownContext, name)
}

// Runtimes returns every runtime in configuration order.
func (h *Host) Runtimes() []*modhost.Runtime {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]*modhost.Runtime(nil), h.runtimes...)
}

// PendingAuthorizations returns the authorization URLs recorded by a
// headless host.
func (h *Host) PendingAuthorizations() []string {
	if h.recordings == nil {
		return nil
	}
	return h.recordings.URLs()
}

// EmitEvent forwards OAuth manager events to the observers of the first
// runtime.
func (h *Host) EmitEvent(ctx context.Context, event cloudevents.Event) error {
	runtimes := h.Runtimes()
	if len(runtimes) == 0 {
		return nil
	}
	return runtimes[0].NotifyObservers(ctx, event)
}

// Start opens every resource and initializes all runtimes concurrently, so
// cross-context dependencies resolve while the contexts come up together. A
// host can only be started once.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.started {
		h.mutex.Unlock()
		return ErrAlreadyStarted
	}
	h.started = true
	h.mutex.Unlock()

	if err := h.start(ctx); err != nil {
		_ = h.Stop(context.WithoutCancel(ctx))
		return err
	}
	return nil
}

func (h *Host) start(ctx context.Context) error {
	h.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancel = cancel

	if h.store == nil {
		st, err := openStore(ctx, h.cfg.Store)
		if err != nil {
			return err
		}
		h.store = st
	}

	if err := h.startOAuth(ctx, runCtx); err != nil {
		return err
	}
	if err := h.serveRedirects(ctx, h.moduleProviders()); err != nil {
		return err
	}

	moduleConfigs, err := h.cfg.moduleConfigs()
	if err != nil {
		return err
	}
	metrics := modhost.NewMetrics(h.registry)
	for _, name := range h.cfg.ContextNames() {
		t, err := h.openTransport(ctx, name)
		if err != nil {
			return err
		}
		opts := []modhost.Option{
			modhost.WithLogger(h.maskedLogger(h.slog.With("context", string(name)))),
			modhost.WithRuntimeConfig(h.cfg.Runtime),
			modhost.WithTransport(t),
			modhost.WithStore(h.store),
			modhost.WithOAuthManager(h.manager),
			modhost.WithMetrics(metrics),
			modhost.WithObserver(h.observers...),
		}
		for module, raw := range moduleConfigs {
			opts = append(opts, modhost.WithModuleConfig(module, raw))
		}
		rt := modhost.NewRuntime(name, h.catalog, opts...)
		h.mutex.Lock()
		h.runtimes = append(h.runtimes, rt)
		h.mutex.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rt := range h.Runtimes() {
		g.Go(func() error {
			if err := rt.Initialize(gctx); err != nil {
				return fmt.Errorf("initialize %s runtime: %w", rt.Context(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := h.serveRedirects(ctx, h.registeredProviders()); err != nil {
		return err
	}

	for _, rt := range h.Runtimes() {
		for _, e := range rt.Errors() {
			h.logger.Warn("Module unavailable", "context", rt.Context(), "module", e.Module, "error", e.Message)
		}
	}

	if h.cfg.Admin.Addr != "" {
		h.admin = newAdminServer(h)
		if err := h.admin.Start(ctx, h.cfg.Admin.Addr); err != nil {
			return err
		}
	}
	h.logger.Info("Host started", "name", h.cfg.Name, "contexts", h.cfg.Contexts, "transport", h.cfg.Transport.Engine, "store", h.cfg.Store.Engine)
	return nil
}

func (h *Host) startOAuth(ctx, runCtx context.Context) error {
	opener := h.opener
	if opener == nil {
		if h.cfg.Surface.Headless {
			opener = logOpener{logger: h.logger}
		} else {
			opener = surface.SystemBrowser{}
		}
	}
	h.recordings = surface.NewRecordingOpener(opener)

	h.manager = oauth.NewManager(h.store,
		oauth.WithLogger(h.maskedLogger(h.slog.With("component", "oauth"))),
		oauth.WithOpener(h.recordings),
		oauth.WithEventEmitter(h),
		oauth.WithMetrics(oauth.NewMetrics(h.registry)),
		oauth.WithConfig(h.cfg.OAuth),
	)
	for _, p := range h.cfg.OAuth.Providers {
		if err := h.manager.Register(ctx, p); err != nil {
			return err
		}
	}
	if err := h.manager.Watch(runCtx); err != nil {
		return err
	}

	h.refresh = oauth.NewRefreshScheduler(h.manager)
	if err := h.refresh.Start(runCtx); err != nil {
		return err
	}

	return h.serveRedirects(ctx, h.cfg.OAuth.Providers)
}

// moduleProviders returns the valid OAuth descriptors of the catalog modules
// hosted here. Invalid ones are reported by the runtime that loads them.
func (h *Host) moduleProviders() []oauth.ProviderConfig {
	var out []oauth.ProviderConfig
	for _, manifest := range h.catalog.Manifests() {
		if manifest.OAuth == nil || manifest.OAuth.Validate() != nil {
			continue
		}
		for _, name := range h.cfg.ContextNames() {
			if manifest.RunsIn(name) {
				out = append(out, *manifest.OAuth)
				break
			}
		}
	}
	return out
}

// registeredProviders returns the configuration of every provider the
// manager knows, including those modules registered while initializing.
func (h *Host) registeredProviders() []oauth.ProviderConfig {
	var out []oauth.ProviderConfig
	for _, id := range h.manager.Providers() {
		cfg, err := h.manager.ProviderConfig(id)
		if err != nil {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

// serveRedirects starts a callback server for every redirect URI of
// providers that is not served yet.
func (h *Host) serveRedirects(ctx context.Context, providers []oauth.ProviderConfig) error {
	if h.cfg.Surface.DisableCallback {
		return nil
	}
	if h.redirects == nil {
		h.redirects = make(map[string]bool)
	}
	for _, p := range providers {
		if h.redirects[p.RedirectURI] {
			continue
		}
		opts := []surface.CallbackOption{surface.WithCallbackLogger(h.maskedLogger(h.slog.With("component", "callback")))}
		if h.cfg.Surface.CallbackListen != "" {
			opts = append(opts, surface.WithListenAddr(h.cfg.Surface.CallbackListen))
		}
		srv, err := surface.NewCallbackServer(p.RedirectURI, h.manager, opts...)
		if err != nil {
			return err
		}
		if err := srv.Start(ctx); err != nil {
			return err
		}
		h.redirects[p.RedirectURI] = true
		h.callbacks = append(h.callbacks, srv)
	}
	return nil
}

func (h *Host) openTransport(ctx context.Context, name modhost.ContextName) (transport.Transport, error) {
	id := h.cfg.Name + "-" + string(name)
	switch h.cfg.Transport.Engine {
	case TransportMemory:
		if h.memoryHub == nil {
			h.memoryHub = transport.NewMemoryHub()
		}
		return h.memoryHub.Endpoint(id), nil
	case TransportNATS:
		return transport.DialNATS(h.cfg.Transport.NATS, id)
	case TransportRedis:
		return transport.DialRedis(ctx, h.cfg.Transport.Redis, id)
	case TransportWebSocket:
		return transport.DialWebSocket(ctx, h.cfg.Transport.WebSocket.URL, id)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, h.cfg.Transport.Engine)
	}
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Engine {
	case StoreMemory:
		return store.NewMemoryStore(), nil
	case StoreFile:
		return store.NewFileStore(cfg.Path)
	case StoreSQLite:
		return store.NewSQLiteStore(cfg.Path)
	case StoreRedis:
		return store.NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, cfg.Engine)
	}
}

// Stop shuts everything down in reverse order of Start.
func (h *Host) Stop(ctx context.Context) error {
	h.mutex.Lock()
	if !h.started {
		h.mutex.Unlock()
		return ErrNotStarted
	}
	if h.stopped {
		h.mutex.Unlock()
		return nil
	}
	h.stopped = true
	runtimes := h.runtimes
	h.runtimes = nil
	h.mutex.Unlock()

	var errs []error
	if h.admin != nil {
		if err := h.admin.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		h.admin = nil
	}
	for i := len(runtimes) - 1; i >= 0; i-- {
		if err := runtimes[i].Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s runtime: %w", runtimes[i].Context(), err))
		}
	}
	for _, srv := range h.callbacks {
		if err := srv.Stop(ctx); err != nil && !errors.Is(err, surface.ErrNotStarted) {
			errs = append(errs, err)
		}
	}
	h.callbacks = nil
	h.redirects = nil
	if h.refresh != nil {
		if err := h.refresh.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if h.cancel != nil {
		h.cancel()
	}
	if h.manager != nil {
		_ = h.manager.Close()
	}
	if h.store != nil {
		if err := h.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	h.logger.Info("Host stopped", "name", h.cfg.Name)
	return errors.Join(errs...)
}

// Run starts the host and blocks until ctx ends, then stops it.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.Runtime.CallTimeout)
	defer cancel()
	return h.Stop(stopCtx)
}

// logOpener logs authorization URLs for an operator to open.
type logOpener struct {
	logger modhost.Logger
}

func (o logOpener) Open(ctx context.Context, url string) error {
	o.logger.Info("Authorization required, open this URL to continue", "url", url)
	return nil
}

// NewSlog builds the slog logger described by cfg.
func NewSlog(cfg LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
