// Decisiond is a decision ingestion and policy evaluation daemon.
//
// It turns unstructured approval threads into immutable decision traces:
// structured fields are extracted, enriched with business context, evaluated
// against the versioned policy catalog, and appended to the trace store. An
// HTTP API exposes ingestion, approval workflows, and a query assistant.
//
// Usage:
//
//	# Start the daemon with defaults
//	decisiond serve
//
//	# Use a config file and override via environment
//	DECISIOND_SERVER_ADDR=:9090 decisiond serve --config decisiond.yaml
//
//	# Load demo customers and historical decisions
//	decisiond seed --config decisiond.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by all subcommands.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "decisiond",
	Short: "Decision ingestion and policy evaluation daemon",
	Long: `decisiond records business decisions as immutable traces.

Email approval threads are ingested, structured fields extracted, enriched
with CRM, support, and finance context, evaluated against the versioned
policy catalog, and appended to the trace store. The HTTP API also drives
in-band approval workflows and answers natural-language questions about the
recorded history.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("decisiond\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(versionCmd)
}
