package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

var tracer = otel.Tracer("exambuddy.vectorstore.qdrant")

// Payload keys of a stored point.
const (
	payloadContent  = "pageContent"
	payloadMetadata = "metadata"
)

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	Host string
	// Port is the gRPC port, not the 6333 REST port.
	Port   int
	APIKey string
	UseTLS bool

	// Distance defaults to cosine.
	Distance qdrant.Distance

	// MaxRetries bounds retries of transient failures. Default: 3
	MaxRetries int
	// RetryBackoff doubles on each retry. Default: 1s
	RetryBackoff time.Duration
	// MaxMessageSize is the gRPC message limit in bytes. Default: 50MB
	MaxMessageSize int
	// CircuitBreakerThreshold is the failure count that opens the circuit. Default: 5
	CircuitBreakerThreshold int
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.Distance == qdrant.Distance_UnknownDistance {
		c.Distance = qdrant.Distance_Cosine
	}
}

// IsTransientError reports whether err is worth retrying: timeouts and
// temporary unavailability are, invalid arguments and missing resources
// are not.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

func isAlreadyExists(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.AlreadyExists
}

// QdrantStore is a Store backed by Qdrant's native gRPC API.
//
// Collections are created lazily with the dimension of the first batch of
// vectors written to them. Collection existence is not cached: the shared
// collection can be dropped by another process at any time.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger

	circuitBreaker struct {
		failures int
		lastFail time.Time
		mu       sync.Mutex
	}
}

// NewQdrantStore dials Qdrant and performs a health check.
func NewQdrantStore(config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !config.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", config.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		APIKey: config.APIKey,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	store := &QdrantStore{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Health(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Health performs a health check on the Qdrant connection.
func (s *QdrantStore) Health(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "QdrantStore.Health")
	defer span.End()

	if _, err := s.client.HealthCheck(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: health check failed: %v", ErrConnectionFailed, err)
	}
	span.SetStatus(codes.Ok, "healthy")
	return nil
}

// retryOperation retries an operation with exponential backoff.
func (s *QdrantStore) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			s.resetCircuitBreaker()
			return nil
		}

		if s.isCircuitOpen() {
			return fmt.Errorf("%s: circuit breaker open: %w", operationName, err)
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}

		s.recordFailure()

		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%s failed after %d retries: %w", operationName, s.config.MaxRetries, err)
		}

		s.logger.Debug("retrying qdrant operation",
			zap.String("operation", operationName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantStore) recordFailure() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures++
	s.circuitBreaker.lastFail = time.Now()
}

func (s *QdrantStore) resetCircuitBreaker() {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()
	s.circuitBreaker.failures = 0
}

func (s *QdrantStore) isCircuitOpen() bool {
	s.circuitBreaker.mu.Lock()
	defer s.circuitBreaker.mu.Unlock()

	if s.circuitBreaker.failures >= s.config.CircuitBreakerThreshold {
		// Half-open after 30 seconds.
		if time.Since(s.circuitBreaker.lastFail) > 30*time.Second {
			s.circuitBreaker.failures = 0
			return false
		}
		return true
	}
	return false
}

// AddDocuments embeds and upserts chunks into collection.
func (s *QdrantStore) AddDocuments(ctx context.Context, collection string, chunks []document.Chunk) ([]string, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.AddDocuments")
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

	if err := s.ensureCollection(ctx, collection, uint64(len(vectors[0]))); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ids := chunkIDs(chunks)
	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		payload, err := chunkPayload(c)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("building payload for chunk %d: %w", i, err)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(ids[i]),
			Vectors: qdrant.NewVectorsDense(vectors[i]),
			Payload: payload,
		}
	}

	err = s.retryOperation(ctx, "Upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("upserting points: %w", err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted points",
		zap.String("collection", collection),
		zap.Int("count", len(points)),
	)
	return ids, nil
}

// ensureCollection creates collection when missing. Two workers racing to
// create the same collection both succeed.
func (s *QdrantStore) ensureCollection(ctx context.Context, collection string, size uint64) error {
	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = s.retryOperation(ctx, "CreateCollection", func() error {
		return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     size,
				Distance: s.config.Distance,
			}),
		})
	})
	if err == nil {
		s.logger.Info("created qdrant collection",
			zap.String("collection", collection),
			zap.Uint64("vector_size", size),
		)
		return nil
	}
	if isAlreadyExists(err) {
		return nil
	}
	if exists, recheckErr := s.CollectionExists(ctx, collection); recheckErr == nil && exists {
		return nil
	}
	return fmt.Errorf("creating collection %s: %w", collection, err)
}

// Search returns the k nearest chunks to query.
func (s *QdrantStore) Search(ctx context.Context, collection, query string, k int) ([]SearchResult, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.Search")
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

	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !exists {
		span.SetAttributes(attribute.Bool("collection_missing", true))
		return []SearchResult{}, nil
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var points []*qdrant.ScoredPoint
	err = s.retryOperation(ctx, "Query", func() error {
		var qerr error
		points, qerr = s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(k)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		return qerr
	})
	if err != nil {
		if isNotFound(err) {
			// Dropped between the existence check and the query.
			return []SearchResult{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	results := make([]SearchResult, 0, len(points))
	for _, p := range points {
		chunk, err := payloadChunk(p.GetPayload())
		if err != nil {
			s.logger.Warn("skipping point with undecodable payload",
				zap.String("collection", collection),
				zap.String("id", p.GetId().GetUuid()),
				zap.Error(err),
			)
			continue
		}
		chunk.ID = p.GetId().GetUuid()
		results = append(results, SearchResult{Chunk: chunk, Score: p.GetScore()})
	}

	span.SetAttributes(attribute.Int("results_count", len(results)))
	span.SetStatus(codes.Ok, "success")
	return results, nil
}

// DeleteCollection drops collection. Deleting a missing collection is not an error.
func (s *QdrantStore) DeleteCollection(ctx context.Context, collection string) (bool, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.DeleteCollection")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return false, err
	}

	exists, err := s.CollectionExists(ctx, collection)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if !exists {
		span.SetStatus(codes.Ok, "absent")
		return false, nil
	}

	err = s.retryOperation(ctx, "DeleteCollection", func() error {
		return s.client.DeleteCollection(ctx, collection)
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("deleting collection %s: %w", collection, err)
	}

	span.SetStatus(codes.Ok, "deleted")
	s.logger.Info("deleted qdrant collection", zap.String("collection", collection))
	return true, nil
}

// CollectionExists checks if a collection exists.
func (s *QdrantStore) CollectionExists(ctx context.Context, collection string) (bool, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.CollectionExists")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return false, err
	}

	var exists bool
	err := s.retryOperation(ctx, "CollectionExists", func() error {
		var cerr error
		exists, cerr = s.client.CollectionExists(ctx, collection)
		return cerr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("checking collection %s: %w", collection, err)
	}

	span.SetAttributes(attribute.Bool("exists", exists))
	return exists, nil
}

// GetCollectionInfo returns metadata about a collection.
func (s *QdrantStore) GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error) {
	ctx, span := tracer.Start(ctx, "QdrantStore.GetCollectionInfo")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}

	var info *qdrant.CollectionInfo
	err := s.retryOperation(ctx, "GetCollectionInfo", func() error {
		var ierr error
		info, ierr = s.client.GetCollectionInfo(ctx, collection)
		return ierr
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrCollectionNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("getting collection info %s: %w", collection, err)
	}

	return &CollectionInfo{
		Name:       collection,
		PointCount: int(info.GetPointsCount()),
		VectorSize: int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
	}, nil
}

// chunkPayload stores the chunk text and its metadata in the JSON shape
// returned to chat clients.
func chunkPayload(c document.Chunk) (map[string]*qdrant.Value, error) {
	meta, err := document.EncodeMetadata(c.Metadata)
	if err != nil {
		return nil, err
	}
	return qdrant.TryValueMap(map[string]any{
		payloadContent:  c.PageContent,
		payloadMetadata: meta,
	})
}

// payloadChunk is the inverse of chunkPayload.
func payloadChunk(payload map[string]*qdrant.Value) (document.Chunk, error) {
	content, ok := payload[payloadContent]
	if !ok {
		return document.Chunk{}, errors.New("payload has no page content")
	}

	var meta map[string]any
	if v, ok := payload[payloadMetadata]; ok {
		if m, ok := valueToAny(v).(map[string]any); ok {
			meta = m
		}
	}
	decoded, err := document.DecodeMetadata(meta)
	if err != nil {
		return document.Chunk{}, err
	}
	return document.Chunk{PageContent: content.GetStringValue(), Metadata: decoded}, nil
}

// valueToAny converts a payload value back into plain Go values.
func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, fv := range fields {
			out[k] = valueToAny(fv)
		}
		return out
	case *qdrant.Value_ListValue:
		values := kind.ListValue.GetValues()
		out := make([]any, len(values))
		for i, lv := range values {
			out[i] = valueToAny(lv)
		}
		return out
	default:
		return nil
	}
}

var _ Store = (*QdrantStore)(nil)
