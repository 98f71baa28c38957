package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/oauth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxCallBody = 1 << 20

// Health is the body of GET /healthz.
type Health struct {
	Name     string                   `json:"name"`
	Status   string                   `json:"status"`
	Contexts map[string]ContextHealth `json:"contexts"`
}

// ContextHealth reports one runtime.
type ContextHealth struct {
	Modules map[string]modhost.Readiness `json:"modules"`
	Errors  map[string]string            `json:"errors,omitempty"`
}

// adminServer serves metrics, health, OAuth status and action calls.
type adminServer struct {
	host     *Host
	router   chi.Router
	server   *http.Server
	listener net.Listener
}

func newAdminServer(h *Host) *adminServer {
	a := &adminServer{host: h}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, h.cfg.Admin.MetricsPath, promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", a.health)
	r.Route("/oauth", func(r chi.Router) {
		r.Get("/status", a.oauthStatus)
		r.Get("/pending", a.oauthPending)
	})
	r.Post("/call/{context}/{action}", a.call)
	a.router = r
	return a
}

func (a *adminServer) Handler() http.Handler {
	return a.router
}

func (a *adminServer) Start(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", addr, err)
	}
	a.listener = listener
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.host.logger.Error("Admin server stopped", "error", err)
		}
	}()
	a.host.logger.Info("Admin server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address.
func (a *adminServer) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

func (a *adminServer) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	if err := a.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	return nil
}

func (a *adminServer) health(w http.ResponseWriter, r *http.Request) {
	report := Health{Name: a.host.cfg.Name, Status: "ok", Contexts: make(map[string]ContextHealth)}
	for _, rt := range a.host.Runtimes() {
		ch := ContextHealth{Modules: make(map[string]modhost.Readiness)}
		snapshot := rt.Readiness().Snapshot()
		for _, name := range rt.LocalModules() {
			ch.Modules[name] = snapshot[name]
		}
		for _, e := range rt.Errors() {
			if ch.Errors == nil {
				ch.Errors = make(map[string]string)
			}
			ch.Errors[e.Module] = e.Message
			report.Status = "degraded"
		}
		report.Contexts[string(rt.Context())] = ch
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *adminServer) oauthStatus(w http.ResponseWriter, r *http.Request) {
	manager := a.host.OAuth()
	if manager == nil {
		writeJSON(w, http.StatusOK, []oauth.ProviderStatus{})
		return
	}
	writeJSON(w, http.StatusOK, manager.Status())
}

func (a *adminServer) oauthPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"urls": a.host.PendingAuthorizations()})
}

// call runs an action in the named context. The optional body is a JSON
// array of arguments.
func (a *adminServer) call(w http.ResponseWriter, r *http.Request) {
	rt, err := a.host.Runtime(modhost.ContextName(chi.URLParam(r, "context")))
	if err != nil {
		writeJSON(w, http.StatusNotFound, modhost.Envelope{Error: err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, modhost.Envelope{Error: err.Error()})
		return
	}
	var raw []json.RawMessage
	if len(body) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			writeJSON(w, http.StatusBadRequest, modhost.Envelope{Error: "body must be a JSON array of arguments"})
			return
		}
	}
	args := make([]any, len(raw))
	for i, arg := range raw {
		args[i] = arg
	}

	result, err := rt.Call(r.Context(), chi.URLParam(r, "action"), args...)
	if err != nil {
		status := http.StatusBadGateway
		var actionErr *modhost.ActionError
		switch {
		case errors.As(err, &actionErr), errors.Is(err, modhost.ErrInvalidActionName):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, modhost.ErrModuleFailed), errors.Is(err, modhost.ErrModuleWaitTimeout):
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, modhost.Envelope{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, modhost.Envelope{Success: true, Result: result})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
