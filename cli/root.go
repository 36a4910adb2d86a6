// Package cli provides the supportd CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "supportd",
	Short: "supportd - admin impersonation service for the trading platform",
	Long: `supportd runs the admin support service: impersonation session
lifecycle (request, approval, denial, termination), per-request identity
substitution, and the audit trail of every action performed while
impersonating.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
