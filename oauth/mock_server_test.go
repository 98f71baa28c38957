package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// MockOAuth2Server provides a mock authorization server plus one protected
// resource for testing
type MockOAuth2Server struct {
	server       *httptest.Server
	clientID     string
	clientSecret string
	validCode    string

	refreshCount  atomic.Int32
	exchangeCount atomic.Int32
	resourceHits  atomic.Int32
	issued        atomic.Int32

	mutex         sync.Mutex
	lastForm      url.Values
	refreshDelay  time.Duration
	refreshFails  bool
	omitExpiresIn bool
	accessToken   func(n int32) string
	expiresIn     int
	rejected      map[string]bool
}

// NewMockOAuth2Server creates a new mock OAuth2 server
func NewMockOAuth2Server() *MockOAuth2Server {
	mock := &MockOAuth2Server{
		clientID:     "test-client-id",
		clientSecret: "test-client-secret",
		validCode:    "valid-auth-code",
		expiresIn:    3600,
		rejected:     make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", mock.handleTokenEndpoint)
	mux.HandleFunc("/api/resource", mock.handleResource)

	mock.server = httptest.NewServer(mux)
	return mock
}

// Close closes the mock server
func (m *MockOAuth2Server) Close() {
	m.server.Close()
}

// ConfidentialProvider returns a provider config with a client secret
func (m *MockOAuth2Server) ConfidentialProvider(id string) ProviderConfig {
	return ProviderConfig{
		Provider:     id,
		ClientID:     m.clientID,
		ClientSecret: m.clientSecret,
		AuthURL:      m.server.URL + "/oauth2/auth",
		TokenURL:     m.server.URL + "/oauth2/token",
		Scopes:       []string{"read", "write"},
		RedirectURI:  "https://app.example.com/callback",
	}
}

// PublicProvider returns a provider config without a client secret
func (m *MockOAuth2Server) PublicProvider(id string) ProviderConfig {
	cfg := m.ConfidentialProvider(id)
	cfg.ClientSecret = ""
	return cfg
}

// ResourceURL returns the protected resource endpoint
func (m *MockOAuth2Server) ResourceURL() string {
	return m.server.URL + "/api/resource"
}

// Reject makes the resource endpoint answer 401 for token
func (m *MockOAuth2Server) Reject(token string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rejected[token] = true
}

// LastForm returns the form of the latest token endpoint request
func (m *MockOAuth2Server) LastForm() url.Values {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.lastForm
}

func (m *MockOAuth2Server) configure(fn func(m *MockOAuth2Server)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	fn(m)
}

func (m *MockOAuth2Server) handleTokenEndpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	m.mutex.Lock()
	m.lastForm = r.PostForm
	delay, fails, omit, expiresIn, makeToken := m.refreshDelay, m.refreshFails, m.omitExpiresIn, m.expiresIn, m.accessToken
	m.mutex.Unlock()

	if r.FormValue("client_id") != m.clientID {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	// public clients must prove possession of the PKCE verifier instead
	if secret := r.FormValue("client_secret"); secret != "" && secret != m.clientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		m.exchangeCount.Add(1)
		if r.FormValue("code") != m.validCode {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		if r.FormValue("client_secret") == "" && r.FormValue("code_verifier") == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	case "refresh_token":
		m.refreshCount.Add(1)
		time.Sleep(delay)
		if fails || r.FormValue("refresh_token") == "" {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	n := m.issued.Add(1)
	access := fmt.Sprintf("access-%d", n)
	if makeToken != nil {
		access = makeToken(n)
	}
	resp := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"refresh_token": fmt.Sprintf("refresh-%d", n),
	}
	if !omit {
		resp["expires_in"] = expiresIn
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockOAuth2Server) handleResource(w http.ResponseWriter, r *http.Request) {
	m.resourceHits.Add(1)
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mutex.Lock()
	rejected := m.rejected[token]
	m.mutex.Unlock()
	if !ok || token == "" || rejected {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// fakeBrowser stands in for the interactive surface. When approve is set it
// redirects back to the manager like a user granting consent would.
type fakeBrowser struct {
	mutex   sync.Mutex
	opened  []string
	respond func(authURL string)
}

func (b *fakeBrowser) Open(ctx context.Context, authURL string) error {
	b.mutex.Lock()
	b.opened = append(b.opened, authURL)
	respond := b.respond
	b.mutex.Unlock()
	if respond != nil {
		go respond(authURL)
	}
	return nil
}

func (b *fakeBrowser) Opened() []string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]string(nil), b.opened...)
}

// redirectFor builds the URL the provider would send the user back to.
func redirectFor(authURL string, params url.Values) string {
	u, _ := url.Parse(authURL)
	q := u.Query()
	redirect, _ := url.Parse(q.Get("redirect_uri"))
	out := redirect.Query()
	out.Set("state", q.Get("state"))
	for k, v := range params {
		out[k] = v
	}
	redirect.RawQuery = out.Encode()
	return redirect.String()
}

// approve makes the browser grant consent with code on every open.
func (b *fakeBrowser) approve(m *Manager, code string) {
	b.setResponse(func(authURL string) {
		m.HandleCallback(context.Background(), redirectFor(authURL, url.Values{"code": {code}}))
	})
}

func (b *fakeBrowser) setResponse(fn func(authURL string)) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.respond = fn
}

// recordingEmitter keeps every emitted event type
type recordingEmitter struct {
	mutex sync.Mutex
	types []string
}

func (e *recordingEmitter) EmitEvent(ctx context.Context, event cloudevents.Event) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.types = append(e.types, event.Type())
	return nil
}

func (e *recordingEmitter) Types() []string {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return append([]string(nil), e.types...)
}
