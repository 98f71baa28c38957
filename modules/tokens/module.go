// Package tokens exposes the host's OAuth token manager as module actions.
//
// The module runs in the background context only. Page and offscreen
// contexts reach it through the runtime's cross-context calls, so every
// context shares the background manager's single-flight refresh and
// authorization guarantees:
//
//	token, err := modhost.CallAs[string](ctx, pageRuntime, "tokens.getToken", "github")
//
// # Actions
//
//   - getToken(provider): a usable access token, refreshing or authorizing as needed
//   - startAuth(provider): run the interactive flow and return the provider status
//   - revoke(provider): delete the stored token
//   - status([provider]): status of one provider, or of every provider
//   - handleCallback(url): complete a flow from a redirect observed elsewhere
//
// # Configuration
//
// The optional module configuration restricts which providers may be used
// through the actions:
//
//	{"providers": ["github", "gitlab"]}
package tokens

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/oauth"
)

// ModuleName is the name the module registers under.
const ModuleName = "tokens"

// Action names.
const (
	ActionGetToken       = "getToken"
	ActionStartAuth      = "startAuth"
	ActionRevoke         = "revoke"
	ActionStatus         = "status"
	ActionHandleCallback = "handleCallback"
)

var (
	ErrNoManager          = errors.New("tokens module requires an OAuth manager")
	ErrProviderNotAllowed = errors.New("provider is not exposed by the tokens module")
	ErrProviderRequired   = errors.New("provider argument is required")
)

// Config restricts the providers served through the actions. An empty list
// serves every registered provider.
type Config struct {
	Providers []string `json:"providers" yaml:"providers" toml:"providers"`
}

// Module is the tokens module.
type Module struct {
	mutex   sync.RWMutex
	allowed []string
}

// NewModule creates the tokens module.
func NewModule() *Module {
	return &Module{}
}

func (m *Module) Manifest() modhost.Manifest {
	return modhost.Manifest{
		Name:     ModuleName,
		Contexts: []modhost.ContextName{modhost.ContextBackground},
		Actions:  []string{ActionGetToken, ActionStartAuth, ActionRevoke, ActionStatus, ActionHandleCallback},
	}
}

// Initialize checks that the runtime has an OAuth manager and applies the
// provider allow-list.
func (m *Module) Initialize(ctx context.Context, rt *modhost.Runtime, cfg modhost.ModuleConfig) error {
	if rt.OAuth() == nil {
		return ErrNoManager
	}
	var conf Config
	if err := cfg.Decode(&conf); err != nil {
		return err
	}
	for _, p := range conf.Providers {
		if !slices.Contains(rt.OAuth().Providers(), p) {
			rt.Logger().Warn("Allowed provider is not registered", "module", ModuleName, "provider", p)
		}
	}

	m.mutex.Lock()
	m.allowed = conf.Providers
	m.mutex.Unlock()
	rt.Logger().Debug("Tokens module ready", "providers", rt.OAuth().Providers(), "allowed", conf.Providers)
	return nil
}

func (m *Module) Actions() map[string]modhost.Handler {
	return map[string]modhost.Handler{
		ActionGetToken:       m.getToken,
		ActionStartAuth:      m.startAuth,
		ActionRevoke:         m.revoke,
		ActionStatus:         m.status,
		ActionHandleCallback: m.handleCallback,
	}
}

func (m *Module) permitted(provider string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.allowed) == 0 || slices.Contains(m.allowed, provider)
}

// managerFor resolves the manager of the dispatching runtime.
func managerFor(ctx context.Context) (*oauth.Manager, error) {
	rt, ok := modhost.RuntimeFromContext(ctx)
	if !ok || rt.OAuth() == nil {
		return nil, ErrNoManager
	}
	return rt.OAuth(), nil
}

// provider binds the first parameter and checks it against the allow-list.
func (m *Module) provider(ctx context.Context, p modhost.Params) (*oauth.Manager, string, error) {
	var id string
	if err := p.Bind(&id); err != nil {
		return nil, "", err
	}
	if id == "" {
		return nil, "", ErrProviderRequired
	}
	if !m.permitted(id) {
		return nil, "", fmt.Errorf("%w: %s", ErrProviderNotAllowed, id)
	}
	manager, err := managerFor(ctx)
	if err != nil {
		return nil, "", err
	}
	return manager, id, nil
}

func (m *Module) getToken(ctx context.Context, p modhost.Params) (any, error) {
	manager, id, err := m.provider(ctx, p)
	if err != nil {
		return nil, err
	}
	return manager.GetToken(ctx, id)
}

func (m *Module) startAuth(ctx context.Context, p modhost.Params) (any, error) {
	manager, id, err := m.provider(ctx, p)
	if err != nil {
		return nil, err
	}
	if _, err := manager.StartAuth(ctx, id); err != nil {
		return nil, err
	}
	return statusOf(manager, id), nil
}

func (m *Module) revoke(ctx context.Context, p modhost.Params) (any, error) {
	manager, id, err := m.provider(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := manager.Revoke(ctx, id); err != nil {
		return nil, err
	}
	return statusOf(manager, id), nil
}

func (m *Module) status(ctx context.Context, p modhost.Params) (any, error) {
	if p.Len() > 0 {
		manager, id, err := m.provider(ctx, p)
		if err != nil {
			return nil, err
		}
		return statusOf(manager, id), nil
	}

	manager, err := managerFor(ctx)
	if err != nil {
		return nil, err
	}
	var out []oauth.ProviderStatus
	for _, st := range manager.Status() {
		if m.permitted(st.Provider) {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *Module) handleCallback(ctx context.Context, p modhost.Params) (any, error) {
	var rawURL string
	if err := p.Bind(&rawURL); err != nil {
		return nil, err
	}
	manager, err := managerFor(ctx)
	if err != nil {
		return nil, err
	}
	return manager.HandleCallback(ctx, rawURL), nil
}

func statusOf(manager *oauth.Manager, id string) oauth.ProviderStatus {
	for _, st := range manager.Status() {
		if st.Provider == id {
			return st
		}
	}
	return oauth.ProviderStatus{Provider: id, State: manager.State(id)}
}
