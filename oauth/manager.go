// Package oauth obtains, caches and refreshes bearer tokens for third-party
// providers and runs the interactive authorization-code flow on behalf of
// modules.
//
// Tokens are persisted in a store.Store so they survive restarts and are
// visible to every process sharing the store; the manager keeps an in-memory
// copy as the fast path. Refreshes and authorization flows are single-flight
// per provider: concurrent callers share one network exchange.
package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/store"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Logger is the logging contract the manager writes to.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Debug(string, ...any) {}

// Opener presents an authorization URL to the user, typically in a browser.
type Opener interface {
	Open(ctx context.Context, url string) error
}

type provider struct {
	cfg   ProviderConfig
	oauth *oauth2.Config
	token *Token
	state State
	flow  *authFlow
}

// authFlow is one in-flight authorization. State and Verifier are persisted so
// a callback received by another process sharing the store can complete it.
type authFlow struct {
	State    string    `json:"state"`
	Verifier string    `json:"verifier,omitempty"`
	Started  time.Time `json:"started"`

	prevAccess string
	once       sync.Once
	done       chan struct{}
	token      *Token
	err        error
}

func (f *authFlow) finish(tok *Token, err error) {
	f.once.Do(func() {
		f.token = tok
		f.err = err
		close(f.done)
	})
}

// Manager is the OAuth token manager. It is safe for concurrent use.
type Manager struct {
	store      store.Store
	cfg        Config
	logger     Logger
	opener     Opener
	emitter    EventEmitter
	metrics    *Metrics
	httpClient *http.Client
	now        func() time.Time

	providers map[string]*provider
	mutex     sync.RWMutex
	refreshes singleflight.Group
	auths     singleflight.Group
	closing   chan struct{}
	closeOnce sync.Once
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithOpener sets how authorization URLs are presented
func WithOpener(opener Opener) Option {
	return func(m *Manager) { m.opener = opener }
}

// WithEventEmitter sets the receiver of lifecycle events
func WithEventEmitter(emitter EventEmitter) Option {
	return func(m *Manager) { m.emitter = emitter }
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithHTTPClient sets the client used for token endpoints and protected resources
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.httpClient = client
		}
	}
}

// WithConfig overrides the timing configuration
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg.withDefaults() }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager persisting tokens in st. A nil store keeps
// tokens in memory only.
func NewManager(st store.Store, opts ...Option) *Manager {
	if st == nil {
		st = store.NewMemoryStore()
	}
	m := &Manager{
		store:      st,
		cfg:        DefaultConfig(),
		logger:     nopLogger{},
		httpClient: http.DefaultClient,
		now:        time.Now,
		providers:  make(map[string]*provider),
		closing:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager's effective timing configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Close aborts in-flight authorization waits.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() { close(m.closing) })
	return nil
}

// Register validates cfg, installs the provider and hydrates its token from
// the store. Registering an existing provider replaces its configuration.
func (m *Manager) Register(ctx context.Context, cfg ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p := &provider{cfg: cfg, oauth: cfg.oauth2Config(), state: StateRegistered}
	m.mutex.Lock()
	m.providers[cfg.Provider] = p
	m.mutex.Unlock()

	tok, err := m.loadToken(ctx, cfg.Provider)
	switch {
	case err == nil:
		m.adopt(cfg.Provider, tok)
	case errors.Is(err, ErrNoToken):
		m.setState(cfg.Provider, StateUnauthenticated)
	default:
		m.logger.Warn("Failed to load persisted token", "provider", cfg.Provider, "error", err)
		m.setState(cfg.Provider, StateUnauthenticated)
	}

	m.logger.Debug("Registered OAuth provider", "provider", cfg.Provider, "public", cfg.Public(), "state", m.State(cfg.Provider))
	m.emitEvent(ctx, EventTypeProviderRegistered, map[string]any{"provider": cfg.Provider, "public": cfg.Public()})
	return nil
}

// Providers returns the registered provider ids in sorted order.
func (m *Manager) Providers() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProviderConfig returns the configuration a provider was registered with.
func (m *Manager) ProviderConfig(id string) (ProviderConfig, error) {
	p, err := m.lookup(id)
	if err != nil {
		return ProviderConfig{}, err
	}
	return p.cfg, nil
}

// State returns the lifecycle state of a provider.
func (m *Manager) State(id string) State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return StateUnregistered
	}
	return p.state
}

// Status summarizes every registered provider.
func (m *Manager) Status() []ProviderStatus {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]ProviderStatus, 0, len(m.providers))
	for id, p := range m.providers {
		st := ProviderStatus{Provider: id, State: p.state, Public: p.cfg.Public()}
		if p.token != nil {
			st.ExpiresAt = p.token.clone().ExpiresAt
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// GetToken returns a usable access token, refreshing an expired one or running
// the interactive flow when no usable token can be obtained otherwise.
func (m *Manager) GetToken(ctx context.Context, id string) (string, error) {
	tok, err := m.currentToken(ctx, id)
	if err != nil && !errors.Is(err, ErrNoToken) {
		return "", err
	}
	if err == nil && tok.Valid(m.now()) {
		return tok.AccessToken, nil
	}

	if err == nil && tok.RefreshToken != "" {
		m.setState(id, StateExpired)
		refreshed, rerr := m.runRefresh(ctx, id, false)
		if rerr == nil {
			return refreshed.AccessToken, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		m.logger.Warn("Token refresh failed, starting authorization", "provider", id, "error", rerr)
	}

	authed, err := m.StartAuth(ctx, id)
	if err != nil {
		return "", err
	}
	return authed.AccessToken, nil
}

// Token returns a copy of the cached token record without triggering any
// network activity.
func (m *Manager) Token(ctx context.Context, id string) (*Token, error) {
	tok, err := m.currentToken(ctx, id)
	if err != nil {
		return nil, err
	}
	return tok.clone(), nil
}

// RefreshToken exchanges the provider's refresh token for a new token.
// Concurrent calls for the same provider share a single HTTP request. A failed
// refresh clears the stored token.
func (m *Manager) RefreshToken(ctx context.Context, id string) (*Token, error) {
	return m.runRefresh(ctx, id, true)
}

func (m *Manager) runRefresh(ctx context.Context, id string, force bool) (*Token, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	ch := m.refreshes.DoChan(id, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), id, force)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token).clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, id string, force bool) (*Token, error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	current, err := m.currentToken(ctx, id)
	if err != nil {
		return nil, err
	}
	// a caller that saw the expired token may arrive after another flight
	// already replaced it
	if !force && current.Valid(m.now()) {
		return current, nil
	}
	if current.RefreshToken == "" {
		m.clearToken(ctx, id, StateUnauthenticated)
		return nil, fmt.Errorf("%w: %s", ErrNoRefreshToken, id)
	}

	m.setState(id, StateRefreshing)
	httpCtx, cancel := context.WithTimeout(m.httpContext(ctx), m.cfg.HTTPTimeout)
	defer cancel()

	fresh, err := p.oauth.TokenSource(httpCtx, &oauth2.Token{RefreshToken: current.RefreshToken}).Token()
	m.metrics.refresh(id, err)
	if err != nil {
		m.clearToken(ctx, id, StateFailed)
		m.logger.Error("Token refresh failed", "provider", id, "error", err)
		m.emitEvent(ctx, EventTypeRefreshFailed, map[string]any{"provider": id, "error": err.Error()})
		return nil, fmt.Errorf("%w: %s: %w", ErrRefreshFailed, id, err)
	}

	next := tokenFrom(fresh)
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if err := m.saveToken(ctx, id, next); err != nil {
		return nil, err
	}
	m.logger.Debug("Token refreshed", "provider", id)
	m.emitEvent(ctx, EventTypeTokenRefreshed, map[string]any{"provider": id, "expiresAt": next.ExpiresAt})
	return next, nil
}

// StartAuth runs the interactive authorization flow and waits for the callback
// to deliver a token. At most one flow per provider is in flight; concurrent
// callers share its outcome.
func (m *Manager) StartAuth(ctx context.Context, id string) (*Token, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	ch := m.auths.DoChan(id, func() (any, error) {
		return m.authorize(context.WithoutCancel(ctx), id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Token).clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) authorize(ctx context.Context, id string) (*Token, error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	flow, err := newAuthFlow(p.cfg.Public(), m.now())
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	if p.token != nil {
		flow.prevAccess = p.token.AccessToken
	}
	p.flow = flow
	m.mutex.Unlock()
	defer m.endFlow(ctx, id, flow)

	if err := store.SetJSON(ctx, m.store, pendingKeyPrefix+id, flow); err != nil {
		m.logger.Warn("Failed to persist authorization state", "provider", id, "error", err)
	}

	var opts []oauth2.AuthCodeOption
	if flow.Verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(flow.Verifier))
	}
	authURL := p.oauth.AuthCodeURL(flow.State, opts...)

	m.logger.Info("Starting authorization", "provider", id, "pkce", flow.Verifier != "")
	m.emitEvent(ctx, EventTypeAuthStarted, map[string]any{"provider": id, "pkce": flow.Verifier != ""})

	if m.opener != nil {
		if err := m.opener.Open(ctx, authURL); err != nil {
			m.metrics.auth(id, err)
			return nil, fmt.Errorf("open authorization page: %w", err)
		}
	} else {
		m.logger.Info("Open this URL to authorize", "provider", id, "url", authURL)
	}

	tok, err := m.awaitToken(ctx, id, flow)
	m.metrics.auth(id, err)
	if err != nil {
		m.emitEvent(ctx, EventTypeAuthFailed, map[string]any{"provider": id, "error": err.Error()})
		return nil, err
	}
	m.emitEvent(ctx, EventTypeAuthCompleted, map[string]any{"provider": id})
	return tok, nil
}

// awaitToken waits for the local callback to finish the flow, or for a new
// token written to the store by another process.
func (m *Manager) awaitToken(ctx context.Context, id string, flow *authFlow) (*Token, error) {
	deadline := time.NewTimer(m.cfg.AuthTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(m.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-flow.done:
			if flow.err != nil {
				return nil, flow.err
			}
			return flow.token.clone(), nil
		case <-poll.C:
			tok, err := m.loadToken(ctx, id)
			if err == nil && tok.Valid(m.now()) && tok.AccessToken != flow.prevAccess {
				m.adopt(id, tok)
				return tok, nil
			}
		case <-deadline.C:
			m.setState(id, StateUnauthenticated)
			return nil, fmt.Errorf("%w: %s after %s", ErrAuthTimeout, id, m.cfg.AuthTimeout)
		case <-m.closing:
			return nil, ErrManagerClosed
		}
	}
}

func (m *Manager) endFlow(ctx context.Context, id string, flow *authFlow) {
	m.mutex.Lock()
	if p, ok := m.providers[id]; ok && p.flow == flow {
		p.flow = nil
	}
	m.mutex.Unlock()

	var persisted authFlow
	if err := store.GetJSON(ctx, m.store, pendingKeyPrefix+id, &persisted); err == nil && persisted.State == flow.State {
		_ = m.store.Delete(ctx, pendingKeyPrefix+id)
	}
}

// HandleCallback completes an authorization flow from the redirect URL the
// provider navigated to. The state parameter identifies the provider; a state
// that matches no pending flow is rejected and nothing is written.
func (m *Manager) HandleCallback(ctx context.Context, rawURL string) CallbackResult {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CallbackResult{Error: fmt.Sprintf("%s: %v", ErrInvalidCallbackURL, err)}
	}
	q := u.Query()

	id, flow := m.claimFlow(ctx, q.Get("state"))
	if flow == nil {
		m.metrics.callback("", false)
		m.logger.Warn("Rejected authorization callback with unknown state")
		return CallbackResult{Error: ErrInvalidState.Error()}
	}

	tok, err := m.completeFlow(ctx, id, flow, q)
	flow.finish(tok, err)
	m.metrics.callback(id, err == nil)
	if err != nil {
		m.logger.Error("Authorization callback failed", "provider", id, "error", err)
		return CallbackResult{Provider: id, Error: err.Error()}
	}
	m.logger.Info("Authorization completed", "provider", id)
	return CallbackResult{Success: true, Provider: id}
}

func (m *Manager) completeFlow(ctx context.Context, id string, flow *authFlow, q url.Values) (*Token, error) {
	if e := q.Get("error"); e != "" {
		if desc := q.Get("error_description"); desc != "" {
			e += ": " + desc
		}
		m.setState(id, StateUnauthenticated)
		return nil, fmt.Errorf("%w: %s", ErrAuthDenied, e)
	}
	code := q.Get("code")
	if code == "" {
		m.setState(id, StateUnauthenticated)
		return nil, ErrMissingCode
	}
	return m.exchange(ctx, id, code, flow.Verifier)
}

// claimFlow finds and consumes the pending flow whose state equals state.
func (m *Manager) claimFlow(ctx context.Context, state string) (string, *authFlow) {
	if state == "" {
		return "", nil
	}

	m.mutex.Lock()
	ids := make([]string, 0, len(m.providers))
	for id, p := range m.providers {
		ids = append(ids, id)
		if p.flow != nil && subtle.ConstantTimeCompare([]byte(p.flow.State), []byte(state)) == 1 {
			flow := p.flow
			p.flow = nil
			m.mutex.Unlock()
			_ = m.store.Delete(ctx, pendingKeyPrefix+id)
			return id, flow
		}
	}
	m.mutex.Unlock()

	// the flow may have been started by another process sharing the store
	for _, id := range ids {
		var persisted authFlow
		if err := store.GetJSON(ctx, m.store, pendingKeyPrefix+id, &persisted); err != nil {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(persisted.State), []byte(state)) == 1 {
			_ = m.store.Delete(ctx, pendingKeyPrefix+id)
			flow := &authFlow{State: persisted.State, Verifier: persisted.Verifier, Started: persisted.Started, done: make(chan struct{})}
			return id, flow
		}
	}
	return "", nil
}

func (m *Manager) exchange(ctx context.Context, id, code, verifier string) (*Token, error) {
	p, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	httpCtx, cancel := context.WithTimeout(m.httpContext(ctx), m.cfg.HTTPTimeout)
	defer cancel()
	result, err := p.oauth.Exchange(httpCtx, code, opts...)
	if err != nil {
		m.setState(id, StateUnauthenticated)
		return nil, fmt.Errorf("%w: %s: %w", ErrExchangeFailed, id, err)
	}

	tok := tokenFrom(result)
	if err := m.saveToken(ctx, id, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Do sends req with the provider's bearer token. A 401 response invalidates
// the token and the request is retried exactly once with a fresh one.
func (m *Manager) Do(ctx context.Context, id string, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	resp, err := m.send(ctx, id, req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	m.metrics.retry(id)
	m.logger.Debug("Request unauthorized, retrying with a fresh token", "provider", id, "url", req.URL.String())
	m.Invalidate(ctx, id)
	return m.send(ctx, id, req)
}

// Request builds and sends an authenticated request. See Do.
func (m *Manager) Request(ctx context.Context, id, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return m.Do(ctx, id, req)
}

func (m *Manager) send(ctx context.Context, id string, req *http.Request) (*http.Response, error) {
	access, err := m.GetToken(ctx, id)
	if err != nil {
		return nil, err
	}
	out := req.Clone(ctx)
	if req.GetBody != nil {
		if out.Body, err = req.GetBody(); err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
	}
	out.Header.Set("Authorization", "Bearer "+access)
	return m.httpClient.Do(out)
}

// Invalidate marks the provider's access token as expired so the next access
// refreshes it or re-runs authorization.
func (m *Manager) Invalidate(ctx context.Context, id string) {
	m.mutex.Lock()
	p, ok := m.providers[id]
	if !ok || p.token == nil {
		m.mutex.Unlock()
		return
	}
	tok := p.token.clone()
	now := m.now()
	tok.ExpiresAt = &now
	p.token = tok
	p.state = StateExpired
	m.mutex.Unlock()

	if err := store.SetJSON(ctx, m.store, TokenKey(id), tok); err != nil {
		m.logger.Warn("Failed to persist invalidated token", "provider", id, "error", err)
	}
}

// Revoke deletes the provider's token.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	if _, err := m.lookup(id); err != nil {
		return err
	}
	if err := m.clearToken(ctx, id, StateUnauthenticated); err != nil {
		return err
	}
	m.logger.Info("Token revoked", "provider", id)
	m.emitEvent(ctx, EventTypeTokenRevoked, map[string]any{"provider": id})
	return nil
}

// Watch follows token changes written by other processes when the store
// supports change notification. It returns immediately; the watch ends with ctx.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, ok := m.store.(store.Watcher)
	if !ok {
		m.logger.Debug("Token store does not support change notification")
		return nil
	}
	changes, err := watcher.Watch(ctx)
	if err != nil {
		return fmt.Errorf("watch token store: %w", err)
	}
	go func() {
		for key := range changes {
			if id, ok := strings.CutPrefix(key, TokenKeyPrefix); ok {
				m.reload(ctx, id)
			}
		}
	}()
	return nil
}

func (m *Manager) reload(ctx context.Context, id string) {
	if _, err := m.lookup(id); err != nil {
		return
	}
	tok, err := m.loadToken(ctx, id)
	switch {
	case err == nil:
		m.adopt(id, tok)
	case errors.Is(err, ErrNoToken):
		m.mutex.Lock()
		if p, ok := m.providers[id]; ok && p.token != nil {
			p.token = nil
			if p.state != StateRefreshing {
				p.state = StateUnauthenticated
			}
		}
		m.mutex.Unlock()
	default:
		m.logger.Warn("Failed to reload token", "provider", id, "error", err)
	}
}

func (m *Manager) lookup(id string) (*provider, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return p, nil
}

// currentToken returns the cached token, falling back to the store.
func (m *Manager) currentToken(ctx context.Context, id string) (*Token, error) {
	m.mutex.RLock()
	p, ok := m.providers[id]
	var cached *Token
	if ok {
		cached = p.token.clone()
	}
	m.mutex.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	if cached != nil {
		return cached, nil
	}

	tok, err := m.loadToken(ctx, id)
	if err != nil {
		return nil, err
	}
	m.adopt(id, tok)
	return tok, nil
}

func (m *Manager) loadToken(ctx context.Context, id string) (*Token, error) {
	var tok Token
	err := store.GetJSON(ctx, m.store, TokenKey(id), &tok)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoToken, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load token %s: %w", id, err)
	}
	return &tok, nil
}

func (m *Manager) saveToken(ctx context.Context, id string, tok *Token) error {
	if err := store.SetJSON(ctx, m.store, TokenKey(id), tok); err != nil {
		return fmt.Errorf("persist token %s: %w", id, err)
	}
	m.adopt(id, tok)
	return nil
}

func (m *Manager) clearToken(ctx context.Context, id string, state State) error {
	m.mutex.Lock()
	if p, ok := m.providers[id]; ok {
		p.token = nil
		p.state = state
	}
	m.mutex.Unlock()

	if err := m.store.Delete(ctx, TokenKey(id)); err != nil {
		m.logger.Warn("Failed to delete stored token", "provider", id, "error", err)
		return fmt.Errorf("delete token %s: %w", id, err)
	}
	return nil
}

// adopt caches tok and derives the provider state from its expiry.
func (m *Manager) adopt(id string, tok *Token) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return
	}
	p.token = tok.clone()
	if tok.Expired(m.now()) {
		p.state = StateExpired
	} else {
		p.state = StateAuthenticated
	}
}

func (m *Manager) setState(id string, state State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.providers[id]; ok {
		p.state = state
	}
}

func (m *Manager) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func newAuthFlow(public bool, now time.Time) (*authFlow, error) {
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	flow := &authFlow{State: state, Started: now, done: make(chan struct{})}
	if public {
		flow.Verifier = oauth2.GenerateVerifier()
	}
	return flow, nil
}

// randomState generates the CSRF state parameter
func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
