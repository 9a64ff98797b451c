package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/ingest"
)

var (
	workerLanes       []string
	workerMetricsAddr string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run ingestion workers only",
	Long: `Consume ingestion jobs from the shared queue without serving the API.

Several worker processes may run against the same queue; each job is
delivered to one of them.

Examples:
  # All lanes
  exambuddy worker

  # Only PDFs and transcripts, with metrics on :9100
  exambuddy worker --lanes file,video --metrics-addr :9100`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	kinds, err := parseLanes(workerLanes)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := newApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	w, err := a.newWorker()
	if err != nil {
		return fmt.Errorf("initializing ingestion worker: %w", err)
	}

	if workerMetricsAddr != "" {
		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})))
		go func() {
			if err := e.Start(workerMetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error(ctx, "metrics endpoint failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = e.Shutdown(shutdownCtx)
		}()
	}

	lanes := make([]string, len(kinds))
	for i, k := range kinds {
		lanes[i] = string(k)
	}
	a.logger.Info(ctx, "exambuddy worker started",
		zap.String("version", version),
		zap.Strings("lanes", lanes),
	)

	return ingest.Run(ctx, a.broker, w, kinds, cfg.Queue.Concurrency, a.logger.Named("ingest"))
}
