package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tenantgate/internal/app"
	"tenantgate/internal/config"
)

// serveCmd starts the gateway: it loads configuration from the environment,
// spawns the default worker, and serves the HTTP surface until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tenantgate gateway",
	Long: `serve loads configuration from the environment, validates it, spawns
the default worker, and binds the HTTP endpoints described in the gateway's
external interface (the event stream, JSON-RPC forwarding, OAuth callback,
and health snapshot).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ExitCodeError)
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
