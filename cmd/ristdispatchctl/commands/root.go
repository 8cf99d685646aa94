// Package commands implements the ristdispatchctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// client is the HTTP client used for every control-API request,
	// initialized once in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon control API address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for ristdispatchctl.
var rootCmd = &cobra.Command{
	Use:   "ristdispatchctl",
	Short: "CLI client for the ristdispatchd daemon",
	Long:  "ristdispatchctl communicates with the ristdispatchd daemon's HTTP control API to inspect and tune bonded RIST output links.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAPIClient(&http.Client{Timeout: 5 * time.Second}, "http://"+serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7600",
		"ristdispatchd control API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(linksCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
