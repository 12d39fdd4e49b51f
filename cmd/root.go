package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 0 normal, 1 configuration or startup failure.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// rootCmd is the base command for the tenantgate gateway.
var rootCmd = &cobra.Command{
	Use:   "tenantgate",
	Short: "Multi-tenant gateway fronting single-user worker processes",
	Long: `tenantgate fronts a single-user-per-process upstream tool server,
running one worker per authenticated user, binding callers to workers via an
opaque session identifier, and mediating OAuth 2.0 against an external
identity provider.`,
	SilenceUsage: true,
}

// SetVersion sets the version reported by --version and the version
// subcommand. Called from main with the build-time version string.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command, exiting with the appropriate code on
// failure.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "tenantgate version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
