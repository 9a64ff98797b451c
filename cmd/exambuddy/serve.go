package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/chat"
	"github.com/fyrsmithlabs/exambuddy/internal/config"
	httpserver "github.com/fyrsmithlabs/exambuddy/internal/http"
	"github.com/fyrsmithlabs/exambuddy/internal/ingest"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
	"github.com/fyrsmithlabs/exambuddy/internal/storage"
)

var serveWorkers bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API and, by default, the ingestion workers.

Examples:
  # API and workers in one process
  exambuddy serve

  # API only
  exambuddy serve --workers=false

  # Everything in-process, no external services besides the LLM
  EXAMBUDDY_NATS_EMBEDDED=true EXAMBUDDY_VECTORSTORE_PROVIDER=chromem exambuddy serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := newApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	uploads, err := storage.NewUploads(cfg.Uploads.Dir)
	if err != nil {
		return fmt.Errorf("initializing upload store: %w", err)
	}

	model, err := chat.NewOpenAIModel(cfg.LLM)
	if err != nil {
		return fmt.Errorf("initializing llm client: %w", err)
	}
	svc, err := chat.NewService(a.store, model, chat.ConfigFrom(cfg),
		chat.WithLogger(a.logger.Named("chat")),
		chat.WithMetrics(a.metrics),
		chat.WithTracer(a.tel.Tracer("exambuddy/chat")),
	)
	if err != nil {
		return fmt.Errorf("initializing chat: %w", err)
	}

	srv, err := httpserver.NewServer(httpserver.Deps{
		Queue:      a.broker,
		Store:      a.store,
		Uploads:    uploads,
		Chat:       svc,
		Collection: cfg.VectorStore.Collection,
		Logger:     a.logger.Named("http"),
		Metrics:    a.metrics,
		Registry:   a.registry,
		Version:    version,
	}, httpserver.ConfigFrom(cfg.Server))
	if err != nil {
		return fmt.Errorf("initializing http server: %w", err)
	}

	var w *ingest.Worker
	if serveWorkers {
		if w, err = a.newWorker(); err != nil {
			return fmt.Errorf("initializing ingestion worker: %w", err)
		}
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	workersDone := make(chan struct{})
	if w != nil {
		go func() {
			defer close(workersDone)
			if err := ingest.Run(ctx, a.broker, w, queue.Kinds, cfg.Queue.Concurrency, a.logger.Named("ingest")); err != nil {
				errCh <- fmt.Errorf("ingestion workers: %w", err)
			}
		}()
	} else {
		close(workersDone)
	}

	a.logger.Info(ctx, "exambuddy started",
		zap.String("version", version),
		zap.Bool("workers", serveWorkers),
		zap.Int("port", cfg.Server.Port),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info(context.Background(), "shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error(context.Background(), "component failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}

	// Stop consuming and wait for in-flight jobs before the store closes.
	stop()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		a.logger.Warn(shutdownCtx, "ingestion workers did not stop before the shutdown timeout")
	}

	return runErr
}
