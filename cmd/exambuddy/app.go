package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
	"github.com/fyrsmithlabs/exambuddy/internal/document"
	"github.com/fyrsmithlabs/exambuddy/internal/embeddings"
	"github.com/fyrsmithlabs/exambuddy/internal/ingest"
	"github.com/fyrsmithlabs/exambuddy/internal/loader"
	"github.com/fyrsmithlabs/exambuddy/internal/logging"
	"github.com/fyrsmithlabs/exambuddy/internal/metrics"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
	"github.com/fyrsmithlabs/exambuddy/internal/telemetry"
	"github.com/fyrsmithlabs/exambuddy/internal/vectorstore"
)

// app holds the dependencies shared by serve and worker.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	nats     *server.Server
	broker   *queue.Broker
	embedder embeddings.Provider
	store    vectorstore.Store
}

// newApp initializes logging, telemetry, the queue connection, the embedder
// and the vector store. On error everything already opened is closed.
func newApp(ctx context.Context, cfg *config.Config, allowEmbedded bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	var logProvider otellog.LoggerProvider
	if cfg.Logging.OTEL {
		logProvider = global.GetLoggerProvider()
	}
	a.logger, err = logging.NewLogger(logging.FromConfig(cfg.Logging), logProvider)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a.tel, err = telemetry.New(ctx, telemetry.FromConfig(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	if a.tel.Degraded() {
		a.logger.Warn(ctx, "telemetry exporter unavailable, tracing disabled",
			zap.String("endpoint", cfg.Observability.Endpoint),
		)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	url := cfg.NATS.URL
	if cfg.NATS.Embedded {
		if !allowEmbedded {
			return nil, fmt.Errorf("embedded NATS is only supported by serve; point nats.url at a shared server")
		}
		a.nats, err = queue.StartEmbedded(cfg.NATS)
		if err != nil {
			return nil, err
		}
		url = a.nats.ClientURL()
		a.logger.Info(ctx, "embedded nats server started", zap.String("url", url))
	}

	a.broker, err = queue.Connect(ctx, url, queue.ConfigFrom(cfg.Queue),
		queue.WithLogger(a.logger.Named("queue")),
		queue.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to job queue: %w", err)
	}

	a.embedder, err = embeddings.NewProvider(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("initializing embeddings: %w", err)
	}

	a.store, err = vectorstore.NewStore(cfg, a.embedder, a.embedder.Dimension(), a.logger.Underlying().Named("vectorstore"))
	if err != nil {
		return nil, fmt.Errorf("initializing vector store: %w", err)
	}

	a.logger.Info(ctx, "dependencies ready",
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("collection", cfg.VectorStore.Collection),
		zap.String("embeddings", cfg.Embeddings.Provider+"/"+cfg.Embeddings.Model),
	)
	return a, nil
}

// newWorker builds the ingestion worker with one loader per lane.
func (a *app) newWorker() (*ingest.Worker, error) {
	zl := a.logger.Underlying()

	video, err := loader.NewTranscriptLoader(loader.TranscriptConfig{
		Language: a.cfg.Loaders.TranscriptLanguage,
		Logger:   zl.Named("transcript"),
	})
	if err != nil {
		return nil, err
	}
	repo, err := loader.NewRepositoryLoaderFromConfig(a.cfg.Loaders, zl.Named("repository"))
	if err != nil {
		return nil, err
	}

	opts := []ingest.Option{
		ingest.WithLogger(a.logger.Named("ingest")),
		ingest.WithMetrics(a.metrics),
		ingest.WithTracer(a.tel.Tracer("exambuddy/ingest")),
	}
	if !a.cfg.Splitter.Disabled {
		opts = append(opts, ingest.WithSplitter(document.NewSplitter(a.cfg.Splitter.ChunkSize, a.cfg.Splitter.ChunkOverlap)))
	}

	return ingest.NewWorker(a.store, ingest.Loaders{
		File:  loader.NewPDFLoader(),
		Video: video,
		Repo:  repo,
	}, a.cfg.VectorStore.Collection, opts...)
}

// close releases everything newApp opened, in reverse order.
func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn(ctx, "closing vector store", zap.Error(err))
		}
	}
	if a.embedder != nil {
		_ = a.embedder.Close()
	}
	if a.broker != nil {
		_ = a.broker.Close()
	}
	if a.nats != nil {
		a.nats.Shutdown()
		a.nats.WaitForShutdown()
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// parseLanes maps lane names to kinds; empty means every lane.
func parseLanes(names []string) ([]queue.Kind, error) {
	if len(names) == 0 {
		return queue.Kinds, nil
	}
	seen := make(map[queue.Kind]bool, len(names))
	kinds := make([]queue.Kind, 0, len(names))
	for _, name := range names {
		kind, err := queue.ParseKind(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		if seen[kind] {
			continue
		}
		seen[kind] = true
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
