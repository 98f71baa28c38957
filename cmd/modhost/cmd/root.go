package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// OsExit is swapped out by tests.
var OsExit = os.Exit

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion returns the version line.
func PrintVersion() string {
	return fmt.Sprintf("modhost v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// NewRootCommand creates the root command for the modhost application
func NewRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "modhost",
		Short: "modhost - Run modules across execution contexts",
		Long: `modhost runs a catalog of modules across the background, page and offscreen
execution contexts, routes action calls between them and manages OAuth tokens
for third-party providers.`,
		Version:       PrintVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("MODHOST_CONFIG"), "Configuration file (YAML, TOML or JSON)")

	cmd.AddCommand(NewRunCommand(&configPath))
	cmd.AddCommand(NewCallCommand(&configPath))
	cmd.AddCommand(NewHubCommand())
	cmd.AddCommand(NewConfigCommand(&configPath))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	}
}
