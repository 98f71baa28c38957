package tokens

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/oauth"
	"github.com/GoCodeAlone/modhost/store"
	"github.com/GoCodeAlone/modhost/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redirectURI = "http://127.0.0.1:8085/callback"

// approvingBrowser simulates a user who approves every authorization by
// delivering the redirect back to the page runtime's tokens module.
type approvingBrowser struct {
	rt *modhost.Runtime
}

func (b *approvingBrowser) Open(ctx context.Context, authURL string) error {
	u, err := url.Parse(authURL)
	if err != nil {
		return err
	}
	redirect := redirectURI + "?" + url.Values{
		"state": {u.Query().Get("state")},
		"code":  {"approved"},
	}.Encode()
	go func() {
		_, _ = b.rt.Call(context.Background(), "tokens.handleCallback", redirect)
	}()
	return nil
}

func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "approved" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-token",
			"token_type":   "bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func provider(id string, srv *httptest.Server) oauth.ProviderConfig {
	return oauth.ProviderConfig{
		Provider:    id,
		ClientID:    "client-" + id,
		AuthURL:     srv.URL + "/authorize",
		TokenURL:    srv.URL + "/token",
		RedirectURI: redirectURI,
	}
}

func runtimeConfig() modhost.RuntimeConfig {
	return modhost.RuntimeConfig{
		MaxInitAttempts:     3,
		InitRetryDelay:      20 * time.Millisecond,
		WaitTimeout:         time.Second,
		CallTimeout:         3 * time.Second,
		BroadcastAttempts:   2,
		BroadcastRetryDelay: 5 * time.Millisecond,
	}
}

type harness struct {
	store   *store.MemoryStore
	manager *oauth.Manager
	bg      *modhost.Runtime
	page    *modhost.Runtime
}

func newHarness(t *testing.T, moduleConfig string) *harness {
	t.Helper()
	srv := tokenServer(t)
	h := &harness{store: store.NewMemoryStore()}
	browser := &approvingBrowser{}
	h.manager = oauth.NewManager(h.store,
		oauth.WithOpener(browser),
		oauth.WithConfig(oauth.Config{AuthTimeout: 2 * time.Second, PollInterval: 10 * time.Millisecond}),
	)
	ctx := context.Background()
	require.NoError(t, h.manager.Register(ctx, provider("github", srv)))
	require.NoError(t, h.manager.Register(ctx, provider("gitlab", srv)))

	catalog, err := modhost.NewCatalog(NewModule())
	require.NoError(t, err)
	hub := transport.NewMemoryHub()

	bgOpts := []modhost.Option{
		modhost.WithRuntimeConfig(runtimeConfig()),
		modhost.WithOAuthManager(h.manager),
		modhost.WithTransport(hub.Endpoint("background")),
	}
	if moduleConfig != "" {
		bgOpts = append(bgOpts, modhost.WithModuleConfig(ModuleName, json.RawMessage(moduleConfig)))
	}
	h.bg = modhost.NewRuntime(modhost.ContextBackground, catalog, bgOpts...)
	h.page = modhost.NewRuntime(modhost.ContextPage, catalog,
		modhost.WithRuntimeConfig(runtimeConfig()),
		modhost.WithTransport(hub.Endpoint("page")),
	)
	browser.rt = h.page
	t.Cleanup(func() {
		_ = h.page.Close(context.Background())
		_ = h.bg.Close(context.Background())
		_ = h.manager.Close()
	})

	require.NoError(t, h.bg.Initialize(ctx))
	require.NoError(t, h.page.Initialize(ctx))
	return h
}

func TestGetTokenFromPageContext(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	token, err := modhost.CallAs[string](ctx, h.page, "tokens.getToken", "github")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, oauth.StateAuthenticated, h.manager.State("github"))

	var stored oauth.Token
	require.NoError(t, store.GetJSON(ctx, h.store, oauth.TokenKey("github"), &stored))
	assert.Equal(t, "fresh-token", stored.AccessToken)
	require.NotNil(t, stored.ExpiresAt)

	again, err := modhost.CallAs[string](ctx, h.page, "tokens.getToken", "github")
	require.NoError(t, err)
	assert.Equal(t, token, again, "a valid token is reused")
}

func TestStatusAndRevoke(t *testing.T) {
	h := newHarness(t, "")
	ctx := context.Background()

	status, err := modhost.CallAs[oauth.ProviderStatus](ctx, h.bg, "tokens.startAuth", "gitlab")
	require.NoError(t, err)
	assert.Equal(t, oauth.StateAuthenticated, status.State)
	assert.True(t, status.Public)

	all, err := modhost.CallAs[[]oauth.ProviderStatus](ctx, h.page, "tokens.status")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "github", all[0].Provider)
	assert.Equal(t, oauth.StateUnauthenticated, all[0].State)

	status, err = modhost.CallAs[oauth.ProviderStatus](ctx, h.page, "tokens.revoke", "gitlab")
	require.NoError(t, err)
	assert.Equal(t, oauth.StateUnauthenticated, status.State)
	_, err = h.store.Get(ctx, oauth.TokenKey("gitlab"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleCallbackRejectsForgedState(t *testing.T) {
	h := newHarness(t, "")
	result, err := modhost.CallAs[oauth.CallbackResult](context.Background(), h.page,
		"tokens.handleCallback", redirectURI+"?state=forged&code=x")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid state - possible CSRF", result.Error)
}

func TestProviderAllowList(t *testing.T) {
	h := newHarness(t, `{"providers":["github"]}`)
	ctx := context.Background()

	_, err := h.page.Call(ctx, "tokens.getToken", "gitlab")
	var actionErr *modhost.ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.Contains(t, actionErr.Message, "not exposed")

	all, err := modhost.CallAs[[]oauth.ProviderStatus](ctx, h.bg, "tokens.status")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "github", all[0].Provider)

	_, err = h.bg.Call(ctx, "tokens.getToken", "")
	require.ErrorAs(t, err, &actionErr)
	assert.Contains(t, actionErr.Message, ErrProviderRequired.Error())
}

func TestModuleFailsWithoutManager(t *testing.T) {
	catalog, err := modhost.NewCatalog(NewModule())
	require.NoError(t, err)
	rt := modhost.NewRuntime(modhost.ContextBackground, catalog, modhost.WithRuntimeConfig(runtimeConfig()))
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	require.NoError(t, rt.Initialize(context.Background()))
	modErr, ok := rt.ModuleError(ModuleName)
	require.True(t, ok)
	assert.ErrorIs(t, modErr, ErrNoManager)
}
