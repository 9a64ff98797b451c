// Exambuddy serves the study assistant API and runs its ingestion workers.
//
// The serve command starts the HTTP server and, unless --workers=false, the
// three ingestion lanes in the same process. The worker command runs only
// the lanes, for deployments that scale ingestion separately.
//
// Configuration is loaded from ~/.config/exambuddy/config.yaml (or --config)
// and EXAMBUDDY_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Single process with an embedded NATS server and in-memory vectors
//	EXAMBUDDY_NATS_EMBEDDED=true EXAMBUDDY_VECTORSTORE_PROVIDER=chromem exambuddy serve
//
//	# API only, workers elsewhere
//	exambuddy serve --workers=false
//	exambuddy worker --lanes file,video
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set via ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "exambuddy",
	Short: "Chat with your study material",
	Long: `exambuddy ingests PDFs, YouTube transcripts and source repositories into a
vector store and answers questions grounded in what was uploaded.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/exambuddy/config.yaml)")

	serveCmd.Flags().BoolVar(&serveWorkers, "workers", true, "run ingestion workers in the server process")
	workerCmd.Flags().StringSliceVar(&workerLanes, "lanes", nil, "lanes to consume (file, video, repo); default all")
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", "", "serve /metrics on this address (e.g. :9100)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
