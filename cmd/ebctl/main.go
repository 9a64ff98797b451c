// Package main implements ebctl, a command-line client for the exambuddy HTTP API.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the exambuddy server
	serverURL string
	// session scopes uploads, chat and reset to a per-user collection
	session string
	timeout time.Duration
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ebctl",
	Short: "CLI for the exambuddy server",
	Long: `ebctl uploads study material to an exambuddy server, asks questions about it
and inspects the ingestion queue.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8000", "exambuddy server URL")
	rootCmd.PersistentFlags().StringVar(&session, "session", "", "session ID for a private collection (see 'ebctl session')")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "HTTP request timeout")

	askCmd.Flags().StringVar(&askPrevMessage, "previous-message", "", "the previous user turn")
	askCmd.Flags().StringVar(&askPrevResponse, "previous-response", "", "the previous assistant turn")
	askCmd.Flags().BoolVar(&askShowSources, "sources", false, "print the retrieved chunks")

	jobCmd.Flags().BoolVar(&jobWait, "wait", false, "poll until the job finishes")
	jobCmd.Flags().DurationVar(&jobPollInterval, "interval", time.Second, "poll interval with --wait")

	uploadCmd.AddCommand(uploadPDFCmd, uploadVideoCmd, uploadRepoCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(collectionCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(sessionCmd)
}

func apiClient() *client {
	return newClient(serverURL, timeout)
}
