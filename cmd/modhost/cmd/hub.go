package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/modhost/transport"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

// NewHubCommand creates the hub command
func NewHubCommand() *cobra.Command {
	var (
		listen string
		path   string
	)

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Serve a WebSocket hub relaying messages between hosts",
		Long: `Hub serves the relay used by the websocket transport. Point every host's
transport.websocket.url at ws://<listen><path>.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveHub(ctx, listen, path, cmd)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8090", "Address to listen on")
	cmd.Flags().StringVar(&path, "path", "/ws", "Path the hub is mounted on")

	return cmd
}

// NewHubRouter mounts hub on path next to a health endpoint reporting the
// number of attached endpoints.
func NewHubRouter(hub *transport.WSHub, path string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle(path, hub)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connected":%d}`, hub.Connected())
	})
	return r
}

func serveHub(ctx context.Context, listen, path string, cmd *cobra.Command) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           NewHubRouter(transport.NewWSHub(), path),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	fmt.Fprintf(cmd.OutOrStdout(), "hub listening on ws://%s%s\n", listen, path)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
