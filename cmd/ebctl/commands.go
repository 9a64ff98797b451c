package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
	httpserver "github.com/fyrsmithlabs/exambuddy/internal/http"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
)

var (
	askPrevMessage  string
	askPrevResponse string
	askShowSources  bool
	jobWait         bool
	jobPollInterval time.Duration
)

var uploadCmd = &cobra.Command{
	Use:   "upload",
	Short: "Queue study material for ingestion",
}

var uploadPDFCmd = &cobra.Command{
	Use:   "pdf <file>",
	Short: "Upload a PDF",
	Long: `Upload a PDF and queue it for ingestion.

Examples:
  # Upload to the shared collection
  ebctl upload pdf notes.pdf

  # Upload to a private session
  ebctl upload pdf --session 3f2a9c notes.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().uploadPDF(cmd.Context(), args[0], session)
		if err != nil {
			return err
		}
		printIntake(cmd.OutOrStdout(), resp)
		return nil
	},
}

var uploadVideoCmd = &cobra.Command{
	Use:   "video <link>",
	Short: "Queue a YouTube video transcript",
	Long: `Queue the transcript of a YouTube video for ingestion.

Examples:
  ebctl upload video https://www.youtube.com/watch?v=dQw4w9WgXcQ`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().uploadLink(cmd.Context(), "/upload/ytlink", args[0], session)
		if err != nil {
			return err
		}
		printIntake(cmd.OutOrStdout(), resp)
		return nil
	},
}

var uploadRepoCmd = &cobra.Command{
	Use:   "repo <link>",
	Short: "Queue a source repository",
	Long: `Queue the files of a git repository for ingestion.

Examples:
  # Default branch
  ebctl upload repo https://github.com/owner/project

  # A specific branch
  ebctl upload repo https://github.com/owner/project/tree/develop`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().uploadLink(cmd.Context(), "/upload/githubrepo", args[0], session)
		if err != nil {
			return err
		}
		printIntake(cmd.OutOrStdout(), resp)
		return nil
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the uploaded material",
	Long: `Ask a question answered from the uploaded material.

Examples:
  ebctl ask "What does Newton's second law state?"

  # Follow-up with the previous exchange as context
  ebctl ask --previous-message "What is F=ma?" --previous-response "Newton's second law." "Who formulated it?"

  # Show the retrieved chunks
  ebctl ask --sources "Summarize chapter 2"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().ask(cmd.Context(), askParams{
			Message:          strings.Join(args, " "),
			PreviousMessage:  askPrevMessage,
			PreviousResponse: askPrevResponse,
			Session:          session,
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, resp.Message)
		if askShowSources {
			printSources(out, resp.Documents)
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the collection",
	Long: `Delete every ingested chunk from the shared collection, or from the session
collection when --session is set.

Examples:
  ebctl reset
  ebctl reset --session 3f2a9c`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := apiClient().reset(cmd.Context(), session)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
		return nil
	},
}

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Show the collection size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := apiClient().collection(cmd.Context(), session)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !resp.Exists {
			fmt.Fprintf(out, "Collection %s does not exist\n", resp.Name)
			return nil
		}
		fmt.Fprintf(out, "Collection %s: %d chunks\n", resp.Name, resp.PointCount)
		return nil
	},
}

var jobCmd = &cobra.Command{
	Use:   "job <id>",
	Short: "Show an ingestion job",
	Long: `Show the status of an ingestion job.

Examples:
  ebctl job 0b7c2d8e-4f4e-4a8e-9a51-2b1f3c0d9e77

  # Block until the job is done or failed
  ebctl job --wait 0b7c2d8e-4f4e-4a8e-9a51-2b1f3c0d9e77`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := waitForJob(cmd.Context(), apiClient(), args[0], jobWait, jobPollInterval)
		if err != nil {
			return err
		}
		printJob(cmd.OutOrStdout(), st)
		if st.State == queue.StateFailed {
			return fmt.Errorf("job %s failed", st.JobID)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the backlog of each lane",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		stats, err := apiClient().queueStats(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LANE\tPENDING\tIN FLIGHT\tREDELIVERED\tDEAD LETTERS")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.Kind, s.Pending, s.InFlight, s.Redelivered, s.DeadLetters)
		}
		return tw.Flush()
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check exambuddy server health",
	Long: `Check the health of the server and its queue and vector store connections.

Examples:
  ebctl health
  ebctl health --server http://localhost:9000`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := apiClient().health(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
		if resp.Version != "" {
			fmt.Fprintf(out, "Version: %s\n", resp.Version)
		}
		for _, name := range []string{"queue", "vectorstore"} {
			if v, ok := resp.Services[name]; ok {
				fmt.Fprintf(out, "  %s: %s\n", name, v)
			}
		}
		if resp.Status != "ok" {
			return fmt.Errorf("server is %s", resp.Status)
		}
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Create a session ID",
	Long: `Create a session ID for a private collection. Pass it to other commands
with --session.

Examples:
  SESSION=$(ebctl session)
  ebctl upload pdf --session "$SESSION" notes.pdf`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		resp, err := apiClient().newSession(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), resp.Session)
		return nil
	},
}

// waitForJob fetches the job once, or until it is terminal when wait is set.
func waitForJob(ctx context.Context, c *client, id string, wait bool, interval time.Duration) (*queue.Status, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := c.job(ctx, id)
		if err != nil {
			return nil, err
		}
		if !wait || st.Terminal() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func printIntake(w io.Writer, resp *httpserver.IntakeResponse) {
	fmt.Fprintln(w, resp.Message)
	fmt.Fprintf(w, "Job: %s\n", resp.JobID)
	if resp.Session != "" {
		fmt.Fprintf(w, "Session: %s\n", resp.Session)
	}
}

func printJob(w io.Writer, st *queue.Status) {
	fmt.Fprintf(w, "Job:      %s\n", st.JobID)
	fmt.Fprintf(w, "Kind:     %s\n", st.Kind)
	fmt.Fprintf(w, "Source:   %s\n", st.Source)
	fmt.Fprintf(w, "State:    %s\n", st.State)
	fmt.Fprintf(w, "Attempts: %d\n", st.Attempts)
	if st.Chunks > 0 {
		fmt.Fprintf(w, "Chunks:   %d\n", st.Chunks)
	}
	if st.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", st.Error)
	}
}

func printSources(w io.Writer, chunks []document.Chunk) {
	if len(chunks) == 0 {
		fmt.Fprintln(w, "\nNo sources matched.")
		return
	}
	fmt.Fprintln(w, "\nSources:")
	for i, c := range chunks {
		fmt.Fprintf(w, "  [%d] %s", i+1, c.Metadata.Source)
		switch loc := c.Metadata.Loc; {
		case loc.PageNumber > 0:
			fmt.Fprintf(w, " (page %d)", loc.PageNumber)
		case loc.StartSeconds != nil:
			fmt.Fprintf(w, " (at %s)", time.Duration(*loc.StartSeconds*float64(time.Second)).Truncate(time.Second))
		case loc.Path != "":
			fmt.Fprintf(w, " (%s)", loc.Path)
		}
		fmt.Fprintln(w)
	}
}
