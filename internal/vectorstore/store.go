// Package vectorstore persists embedded chunks in named collections and
// serves top-k similarity search over them.
//
// Two backends implement Store: QdrantStore (gRPC, the production default)
// and ChromemStore (embedded, for single-host setups and tests). Both embed
// chunk text themselves, create a collection on its first write and treat a
// search against a missing collection as an empty result.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/tmc/langchaingo/embeddings"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// Sentinel errors for vector store operations.
var (
	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil chunks.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrConnectionFailed indicates gRPC connection issues.
	ErrConnectionFailed = errors.New("failed to connect to Qdrant")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrInvalidSession indicates a session identifier outside ^[a-z0-9]{1,32}$.
	ErrInvalidSession = errors.New("invalid session id")
)

var (
	collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,96}$`)
	sessionPattern        = regexp.MustCompile(`^[a-z0-9]{1,32}$`)
)

// Embedder generates vector embeddings from text.
type Embedder = embeddings.Embedder

// SearchResult is a retrieved chunk with its cosine similarity.
type SearchResult struct {
	Chunk document.Chunk
	Score float32
}

// CollectionInfo contains metadata about a vector collection.
type CollectionInfo struct {
	Name       string `json:"name"`
	PointCount int    `json:"point_count"`
	VectorSize int    `json:"vector_size"`
}

// Store is the interface for vector storage operations.
type Store interface {
	// AddDocuments embeds the chunks and upserts them into collection,
	// creating it on first use. Points are keyed by chunk ID, so writing the
	// same chunks twice leaves one copy.
	AddDocuments(ctx context.Context, collection string, chunks []document.Chunk) ([]string, error)

	// Search returns up to k chunks ordered by descending similarity.
	// A missing collection yields an empty result, not an error.
	Search(ctx context.Context, collection, query string, k int) ([]SearchResult, error)

	// DeleteCollection drops the collection and reports whether it existed.
	DeleteCollection(ctx context.Context, collection string) (bool, error)

	CollectionExists(ctx context.Context, collection string) (bool, error)

	// GetCollectionInfo returns ErrCollectionNotFound for a missing collection.
	GetCollectionInfo(ctx context.Context, collection string) (*CollectionInfo, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	Close() error
}

// ValidateCollectionName validates a collection name against ^[a-z0-9_]{1,96}$.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern %s, got %q", ErrInvalidCollectionName, collectionNamePattern, name)
	}
	return nil
}

// ValidateSession checks a client-supplied session identifier.
func ValidateSession(session string) error {
	if !sessionPattern.MatchString(session) {
		return fmt.Errorf("%w: must match %s", ErrInvalidSession, sessionPattern)
	}
	return nil
}

// CollectionName resolves the collection a session reads and writes.
// An empty session maps to base, the shared collection.
func CollectionName(base, session string) (string, error) {
	if session == "" {
		return base, nil
	}
	if err := ValidateSession(session); err != nil {
		return "", err
	}
	return base + "_s_" + session, nil
}

// embedChunks embeds chunk contents and checks the provider returned one
// vector per chunk.
func embedChunks(ctx context.Context, embedder Embedder, chunks []document.Chunk) ([][]float32, error) {
	vectors, err := embedder.EmbedDocuments(ctx, document.Texts(chunks))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks", ErrEmbeddingFailed, len(vectors), len(chunks))
	}
	return vectors, nil
}

// chunkIDs returns each chunk's ID, deriving missing ones.
func chunkIDs(chunks []document.Chunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
		if ids[i] == "" {
			ids[i] = document.ChunkID(c.Metadata.Source, c.Metadata.Loc, c.PageContent)
		}
	}
	return ids
}
