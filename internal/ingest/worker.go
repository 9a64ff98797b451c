// Package ingest turns queued jobs into vectors: it loads the job's
// source, splits it, and upserts the pieces into the session's collection.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
	"github.com/fyrsmithlabs/exambuddy/internal/loader"
	"github.com/fyrsmithlabs/exambuddy/internal/logging"
	"github.com/fyrsmithlabs/exambuddy/internal/metrics"
	"github.com/fyrsmithlabs/exambuddy/internal/queue"
	"github.com/fyrsmithlabs/exambuddy/internal/vectorstore"
)

// Job results recorded in metrics.
const (
	resultSuccess = "success"
	resultRetry   = "retry"
	resultFailed  = "failed"
)

// ErrNoContent is returned when a source loads but yields no text.
var ErrNoContent = errors.New("source produced no text")

// Loaders holds one loader per lane.
type Loaders struct {
	File  loader.Loader
	Video loader.Loader
	Repo  loader.Loader
}

func (l Loaders) forKind(kind queue.Kind) (loader.Loader, error) {
	var ld loader.Loader
	switch kind {
	case queue.KindFile:
		ld = l.File
	case queue.KindVideo:
		ld = l.Video
	case queue.KindRepo:
		ld = l.Repo
	default:
		return nil, fmt.Errorf("%w: %q", queue.ErrUnknownKind, kind)
	}
	if ld == nil {
		return nil, fmt.Errorf("no loader configured for %s jobs", kind)
	}
	return ld, nil
}

// Option configures a Worker.
type Option func(*Worker)

// WithSplitter sets the splitting stage. Without one, loader output is
// stored as-is.
func WithSplitter(s *document.Splitter) Option {
	return func(w *Worker) { w.splitter = s }
}

// WithLogger sets the worker logger.
func WithLogger(l *logging.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithMetrics records per-attempt outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// Worker processes ingestion jobs. It is stateless between jobs and safe
// for concurrent use.
type Worker struct {
	loaders    Loaders
	store      vectorstore.Store
	collection string
	splitter   *document.Splitter
	logger     *logging.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// NewWorker creates a worker writing to collection (or its per-session
// variant).
func NewWorker(store vectorstore.Store, loaders Loaders, collection string, opts ...Option) (*Worker, error) {
	if store == nil {
		return nil, errors.New("vector store is required")
	}
	if err := vectorstore.ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	w := &Worker{
		loaders:    loaders,
		store:      store,
		collection: collection,
		logger:     logging.NewNop(),
		tracer:     otel.Tracer("exambuddy.ingest"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Handle processes one delivery. It satisfies queue.Handler.
//
// Chunk IDs are derived from source, locator and content, so a redelivered
// job overwrites the points of its earlier attempt instead of adding
// duplicates.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) (queue.Result, error) {
	job := d.Job
	ctx, span := w.tracer.Start(ctx, "ingest.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.Int("job.attempt", d.Attempt),
	))
	defer span.End()

	start := time.Now()
	n, err := w.ingest(ctx, job)
	elapsed := time.Since(start)

	if err != nil {
		if loader.IsPermanent(err) {
			err = queue.Permanent(err)
		}
		result := resultRetry
		if queue.IsPermanent(err) || d.Final() {
			result = resultFailed
		}
		w.metrics.RecordJob(string(job.Kind), result, 0, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Warn(ctx, "ingestion attempt failed",
			zap.String("source", job.Source()),
			zap.Bool("permanent", queue.IsPermanent(err)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return queue.Result{}, err
	}

	w.metrics.RecordJob(string(job.Kind), resultSuccess, n, elapsed)
	span.SetAttributes(attribute.Int("job.chunks", n))
	w.logger.Info(ctx, "job ingested",
		zap.String("source", job.Source()),
		zap.Int("chunks", n),
		zap.Duration("elapsed", elapsed),
	)
	return queue.Result{Chunks: n}, nil
}

func (w *Worker) ingest(ctx context.Context, job queue.Job) (int, error) {
	if err := job.Validate(); err != nil {
		return 0, queue.Permanent(err)
	}
	collection, err := vectorstore.CollectionName(w.collection, job.Session)
	if err != nil {
		return 0, queue.Permanent(err)
	}
	ld, err := w.loaders.forKind(job.Kind)
	if err != nil {
		return 0, queue.Permanent(err)
	}

	chunks, err := ld.Load(ctx, job.Source())
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", job.Source(), err)
	}

	if w.splitter != nil {
		chunks, err = w.splitter.Split(chunks)
		if err != nil {
			return 0, queue.Permanent(err)
		}
	} else {
		chunks = dropBlank(chunks)
	}
	if len(chunks) == 0 {
		return 0, queue.Permanent(fmt.Errorf("%s: %w", job.Source(), ErrNoContent))
	}

	for i := range chunks {
		chunks[i].Metadata.JobID = job.ID
	}

	w.logger.Debug(ctx, "upserting chunks",
		zap.String("collection", collection),
		zap.Int("chunks", len(chunks)),
	)
	if _, err := w.store.AddDocuments(ctx, collection, chunks); err != nil {
		if errors.Is(err, vectorstore.ErrInvalidCollectionName) || errors.Is(err, vectorstore.ErrEmptyDocuments) {
			return 0, queue.Permanent(err)
		}
		return 0, fmt.Errorf("upserting into %s: %w", collection, err)
	}
	return len(chunks), nil
}

func dropBlank(chunks []document.Chunk) []document.Chunk {
	out := chunks[:0]
	for _, c := range chunks {
		if strings.TrimSpace(c.PageContent) != "" {
			out = append(out, c)
		}
	}
	return out
}
