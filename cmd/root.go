// Package cmd defines the scrape worker command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape-worker",
		Short: "A distributed browser-based scrape task execution engine.",
		Long: `scrape-worker consumes scrape jobs from a task queue, drives each URL
through an isolated headless browser session with proxy rotation and
classified retries, and persists the rendered results together with the
compute-unit accounting.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus SCRAPER_* env)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "command execution failed: %v\n", err)
		os.Exit(1)
	}
}
