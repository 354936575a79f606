// Package commands implements the nts CLI command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:           "nts",
	Short:         "Network Time Security for NTP",
	Long:          `nts runs the NTS-KE server, the NTP/NTS UDP responder, or a one-shot NTS-KE client exchange.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.AddCommand(runNTSKEServerCmd)
	rootCmd.AddCommand(runNTPServerCmd)
	rootCmd.AddCommand(runNTSClientCmd)
}
