// Package cmd contains the command-line interface for the Muster correlation
// engine.
//
// This package provides CLI commands for running the engine and administrative
// tasks using the Cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "muster",
	Short: "Muster is an incident correlation and deduplication engine",
	Long: `Muster decides, for every incoming incident, whether it is a repeat of
something already known (deduplication) and whether it is related to other
currently-open incidents (correlation), then maintains evolving groups of
related incidents under concurrent load.

Key features:
  • Deterministic content fingerprinting and rolling-window deduplication
  • Temporal, pattern, source, fingerprint and topology correlation strategies
  • Concurrent-safe correlation groups with automatic aging and merging
  • Prometheus metrics and structured logging out of the box`,
	Run: func(cmd *cobra.Command, args []string) {
		// If no subcommand is provided, show help
		cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// init initialises the CLI configuration and adds global flags.
func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default is environment-only configuration)")
	rootCmd.PersistentFlags().String("log-level", "info", "Set log level (debug, info, warn, error)")
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}
