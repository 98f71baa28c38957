package surface

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/GoCodeAlone/modhost/oauth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// CallbackHandler completes an authorization from the URL the provider
// redirected to.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, rawURL string) oauth.CallbackResult
}

var resultPage = template.Must(template.New("result").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{if .Success}}Authorized{{else}}Authorization failed{{end}}</title></head>
<body>
{{if .Success}}<h1>Connected to {{.Provider}}</h1><p>You can close this window.</p>
{{else}}<h1>Authorization failed</h1><p>{{.Error}}</p>{{end}}
</body></html>
`))

// CallbackServer listens on the redirect URI's host and hands every
// navigation to its path to a CallbackHandler.
type CallbackServer struct {
	redirect   *url.URL
	listenAddr string
	handler    CallbackHandler
	logger     oauth.Logger
	router     chi.Router

	server   *http.Server
	listener net.Listener
	mutex    sync.Mutex
}

// CallbackOption configures a CallbackServer
type CallbackOption func(*CallbackServer)

// WithListenAddr listens on addr instead of the redirect URI's host.
func WithListenAddr(addr string) CallbackOption {
	return func(s *CallbackServer) { s.listenAddr = addr }
}

// WithCallbackLogger sets the logger
func WithCallbackLogger(logger oauth.Logger) CallbackOption {
	return func(s *CallbackServer) { s.logger = logger }
}

// NewCallbackServer creates a server for redirectURI.
func NewCallbackServer(redirectURI string, handler CallbackHandler, opts ...CallbackOption) (*CallbackServer, error) {
	u, err := url.Parse(redirectURI)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRedirectURI, redirectURI)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	s := &CallbackServer{
		redirect:   u,
		listenAddr: u.Host,
		handler:    handler,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get(path, s.handle)
	s.router = router
	return s, nil
}

// Handler returns the HTTP handler, for mounting in an existing server.
func (s *CallbackServer) Handler() http.Handler {
	return s.router
}

// Start begins listening. It returns once the listener is bound.
func (s *CallbackServer) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.server != nil {
		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.listenAddr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && s.logger != nil {
			s.logger.Error("Callback server stopped", "error", err)
		}
	}()
	if s.logger != nil {
		s.logger.Info("Callback server listening", "addr", listener.Addr().String(), "path", s.redirect.Path)
	}
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *CallbackServer) Addr() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *CallbackServer) Stop(ctx context.Context) error {
	s.mutex.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mutex.Unlock()
	if server == nil {
		return ErrNotStarted
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown callback server: %w", err)
	}
	return nil
}

func (s *CallbackServer) handle(w http.ResponseWriter, r *http.Request) {
	// rebuild the URL as the provider addressed it
	full := *s.redirect
	full.RawQuery = r.URL.RawQuery
	full.Fragment = ""

	result := s.handler.HandleCallback(r.Context(), full.String())

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if !result.Success {
		w.WriteHeader(http.StatusBadRequest)
	}
	if err := resultPage.Execute(w, result); err != nil && s.logger != nil {
		s.logger.Warn("Failed to render callback page", "error", err)
	}
}
