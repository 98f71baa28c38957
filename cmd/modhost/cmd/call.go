package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/host"
	"github.com/spf13/cobra"
)

var ErrCallFailed = errors.New("call failed")

// NewCallCommand creates the call command
func NewCallCommand(configPath *string) *cobra.Command {
	var (
		adminURL string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <context> <module.action> [args...]",
		Short: "Call an action through a running host's admin endpoint",
		Long: `Call sends an action call to a running host and prints the result as JSON.
Each argument is passed as JSON when it parses as JSON and as a string otherwise.

Example:
  modhost call page tokens.getToken github
  modhost call offscreen diagnostics.ping`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if adminURL == "" {
				cfg, err := host.LoadConfig(*configPath)
				if err != nil {
					return err
				}
				if cfg.Admin.Addr == "" {
					return fmt.Errorf("%w: no admin address configured, pass --admin", ErrCallFailed)
				}
				adminURL = "http://" + cfg.Admin.Addr
			}

			body, err := json.Marshal(CallArguments(args[2:]))
			if err != nil {
				return err
			}
			target := strings.TrimSuffix(adminURL, "/") + "/call/" + args[0] + "/" + args[1]
			client := &http.Client{Timeout: timeout}
			resp, err := client.Post(target, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCallFailed, err)
			}
			defer resp.Body.Close()

			var env modhost.Envelope
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				return fmt.Errorf("%w: %s returned %s", ErrCallFailed, target, resp.Status)
			}
			if !env.Success {
				return fmt.Errorf("%w: %s", ErrCallFailed, env.Error)
			}

			var out bytes.Buffer
			if err := json.Indent(&out, env.Result, "", "  "); err != nil {
				out.Reset()
				out.Write(env.Result)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&adminURL, "admin", "", "Admin endpoint URL (default: from the configuration)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "Request timeout")

	return cmd
}

// CallArguments converts command line arguments into action arguments.
func CallArguments(args []string) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		if json.Valid([]byte(arg)) {
			out = append(out, json.RawMessage(arg))
			continue
		}
		quoted, _ := json.Marshal(arg)
		out = append(out, quoted)
	}
	return out
}
