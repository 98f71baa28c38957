package cmd

import (
	"fmt"
	"os"

	"github.com/GoCodeAlone/modhost/host"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCommand creates the config command
func NewConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate host configuration",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}

	cmd.AddCommand(NewConfigSampleCommand())
	cmd.AddCommand(NewConfigShowCommand(configPath))

	return cmd
}

// NewConfigSampleCommand creates the 'config sample' command
func NewConfigSampleCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Print a sample YAML configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sample, err := host.SampleConfig()
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(sample)
				return err
			}
			if err := os.WriteFile(output, sample, 0o600); err != nil {
				return fmt.Errorf("write sample config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "File to write instead of stdout")

	return cmd
}

// NewConfigShowCommand creates the 'config show' command
func NewConfigShowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Validate the configuration and print it with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := host.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
