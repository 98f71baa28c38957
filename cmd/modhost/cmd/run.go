package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/host"
	"github.com/GoCodeAlone/modhost/modules/diagnostics"
	"github.com/GoCodeAlone/modhost/modules/tokens"
	"github.com/spf13/cobra"
)

// DefaultCatalog lists the modules the modhost binary ships with.
func DefaultCatalog() (*modhost.Catalog, error) {
	return modhost.NewCatalog(tokens.NewModule(), diagnostics.NewModule())
}

// NewRunCommand creates the run command
func NewRunCommand(configPath *string) *cobra.Command {
	var (
		headless  bool
		adminAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host until interrupted",
		Long: `Run starts one runtime per configured context, the OAuth token manager and,
when an admin address is configured, the admin endpoint serving metrics, health
and action calls. It stops cleanly on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := host.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("headless") {
				cfg.Surface.Headless = headless
			}
			if adminAddr != "" {
				cfg.Admin.Addr = adminAddr
			}

			catalog, err := DefaultCatalog()
			if err != nil {
				return err
			}
			h, err := host.New(cfg, catalog, host.WithLogger(host.NewSlog(cfg.Log, cmd.ErrOrStderr())))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return h.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&headless, "headless", false, "Log authorization URLs instead of opening a browser")
	cmd.Flags().StringVar(&adminAddr, "admin", "", "Admin endpoint address, overriding the configuration")

	return cmd
}
