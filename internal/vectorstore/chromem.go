package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

var chromemTracer = otel.Tracer("exambuddy.vectorstore.chromem")

// chromemMetadataKey holds the JSON-encoded document.Metadata; chromem only
// stores flat string maps.
const chromemMetadataKey = "metadata"

// ChromemConfig holds configuration for the embedded chromem-go database.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path     string
	Compress bool
	// VectorSize is reported by GetCollectionInfo.
	VectorSize int
}

// ChromemStore implements Store using chromem-go.
//
// chromem-go performs exact nearest-neighbour search over normalized
// vectors, which is adequate for the few thousand chunks a study session
// produces. It is only safe for a single process: collections written by a
// worker in another process are not visible.
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger
}

// NewChromemStore creates a ChromemStore with the given configuration.
func NewChromemStore(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		path, err := expandChromemPath(config.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		db, err = chromem.NewPersistentDB(path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
		config.Path = path
	}

	logger.Info("chromem store initialized",
		zap.String("path", config.Path),
		zap.Bool("persistent", config.Path != ""),
	)

	return &ChromemStore{db: db, embedder: embedder, config: config, logger: logger}, nil
}

func expandChromemPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// embeddingFunc must be passed to every collection lookup; chromem falls
// back to its OpenAI default when given nil.
func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

// AddDocuments embeds and upserts chunks into collection.
func (s *ChromemStore) AddDocuments(ctx context.Context, collection string, chunks []document.Chunk) ([]string, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.AddDocuments")
	defer span.End()

	span.SetAttributes(
		attribute.Int("document_count", len(chunks)),
		attribute.String("collection", collection),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, ErrEmptyDocuments
	}

	vectors, err := embedChunks(ctx, s.embedder, chunks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	col, err := s.db.GetOrCreateCollection(collection, nil, s.embeddingFunc())
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	ids := chunkIDs(chunks)
	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding metadata for chunk %d: %w", i, err)
		}
		docs[i] = chromem.Document{
			ID:        ids[i],
			Content:   c.PageContent,
			Metadata:  map[string]string{chromemMetadataKey: string(meta)},
			Embedding: vectors[i],
		}
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("adding documents: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("added documents to chromem",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return ids, nil
}

// Search returns the k nearest chunks to query.
func (s *ChromemStore) Search(ctx context.Context, collection, query string, k int) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Search")
	defer span.End()

	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}

	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		span.SetAttributes(attribute.Bool("collection_missing", true))
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= document count.
	count := col.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	found, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(found))
	for _, r := range found {
		var meta document.Metadata
		if raw := r.Metadata[chromemMetadataKey]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				s.logger.Warn("skipping document with undecodable metadata",
					zap.String("collection", collection),
					zap.String("id", r.ID),
					zap.Error(err),
				)
				continue
			}
		}
		results = append(results, SearchResult{
			Chunk: document.Chunk{ID: r.ID, PageContent: r.Content, Metadata: meta},
			Score: r.Similarity,
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// DeleteCollection drops collection. Deleting a missing collection is not an error.
func (s *ChromemStore) DeleteCollection(ctx context.Context, collection string) (bool, error) {
	_, span := chromemTracer.Start(ctx, "ChromemStore.DeleteCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return false, err
	}

	existed := s.db.GetCollection(collection, s.embeddingFunc()) != nil
	if err := s.db.DeleteCollection(collection); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("deleting collection %s: %w", collection, err)
	}

	if existed {
		s.logger.Info("deleted chromem collection", zap.String("collection", collection))
	}
	return existed, nil
}

// CollectionExists checks if a collection exists.
func (s *ChromemStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return false, err
	}
	return s.db.GetCollection(collection, s.embeddingFunc()) != nil, nil
}

// GetCollectionInfo returns metadata about a collection.
func (s *ChromemStore) GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	col := s.db.GetCollection(collection, s.embeddingFunc())
	if col == nil {
		return nil, ErrCollectionNotFound
	}
	return &CollectionInfo{
		Name:       collection,
		PointCount: col.Count(),
		VectorSize: s.config.VectorSize,
	}, nil
}

// Health always succeeds for the embedded database.
func (s *ChromemStore) Health(context.Context) error { return nil }

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	s.logger.Info("chromem store closed")
	return nil
}

var _ Store = (*ChromemStore)(nil)
