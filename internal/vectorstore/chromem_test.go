package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
	"github.com/fyrsmithlabs/exambuddy/internal/embeddings"
)

func newTestChromem(t *testing.T) (*ChromemStore, *embeddings.TestProvider) {
	t.Helper()
	provider := embeddings.NewTestProvider(64)
	store, err := NewChromemStore(ChromemConfig{VectorSize: provider.Dimension()}, provider, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, provider
}

func pdfChunks() []document.Chunk {
	chunks := []document.Chunk{
		{
			PageContent: "Dijkstra's algorithm finds shortest paths in weighted graphs",
			Metadata: document.Metadata{
				Source: "uploads/algo.pdf", Kind: document.KindPDF, TotalPages: 9,
				Loc: document.Locator{PageNumber: 4},
			},
		},
		{
			PageContent: "Photosynthesis converts light energy into chemical energy",
			Metadata: document.Metadata{
				Source: "uploads/bio.pdf", Kind: document.KindPDF, TotalPages: 2,
				Loc: document.Locator{PageNumber: 1},
			},
		},
		{
			PageContent: "A binary heap supports insert and extract-min in logarithmic time",
			Metadata: document.Metadata{
				Source: "uploads/algo.pdf", Kind: document.KindPDF, TotalPages: 9,
				Loc: document.Locator{PageNumber: 6},
			},
		},
	}
	document.AssignIDs(chunks)
	return chunks
}

func TestChromemStore_RoundTripPreservesLocator(t *testing.T) {
	store, _ := newTestChromem(t)
	ctx := context.Background()

	ids, err := store.AddDocuments(ctx, "college_syllabus", pdfChunks())
	require.NoError(t, err)
	assert.Len(t, ids, 3)

	results, err := store.Search(ctx, "college_syllabus", "shortest paths weighted graphs", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	got := results[0].Chunk
	assert.Equal(t, "Dijkstra's algorithm finds shortest paths in weighted graphs", got.PageContent)
	assert.Equal(t, 4, got.Metadata.Loc.PageNumber)
	assert.Equal(t, 9, got.Metadata.TotalPages)
	assert.Equal(t, "uploads/algo.pdf", got.Metadata.Source)
	assert.Equal(t, ids[0], got.ID)
}

func TestChromemStore_SearchCapsAtCollectionSize(t *testing.T) {
	store, _ := newTestChromem(t)
	ctx := context.Background()

	_, err := store.AddDocuments(ctx, "college_syllabus", pdfChunks())
	require.NoError(t, err)

	results, err := store.Search(ctx, "college_syllabus", "energy", 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestChromemStore_SearchMissingCollectionIsEmpty(t *testing.T) {
	store, provider := newTestChromem(t)

	results, err := store.Search(context.Background(), "college_syllabus", "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, provider.Calls(), "no embedding call for a missing collection")
}

func TestChromemStore_UpsertIsIdempotent(t *testing.T) {
	store, _ := newTestChromem(t)
	ctx := context.Background()

	_, err := store.AddDocuments(ctx, "college_syllabus", pdfChunks())
	require.NoError(t, err)
	_, err = store.AddDocuments(ctx, "college_syllabus", pdfChunks())
	require.NoError(t, err)

	info, err := store.GetCollectionInfo(ctx, "college_syllabus")
	require.NoError(t, err)
	assert.Equal(t, 3, info.PointCount)
	assert.Equal(t, 64, info.VectorSize)
}

func TestChromemStore_DeleteCollection(t *testing.T) {
	store, _ := newTestChromem(t)
	ctx := context.Background()

	_, err := store.AddDocuments(ctx, "college_syllabus", pdfChunks())
	require.NoError(t, err)

	existed, err := store.DeleteCollection(ctx, "college_syllabus")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.DeleteCollection(ctx, "college_syllabus")
	require.NoError(t, err)
	assert.False(t, existed)

	exists, err := store.CollectionExists(ctx, "college_syllabus")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.GetCollectionInfo(ctx, "college_syllabus")
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}

func TestChromemStore_SessionsAreIsolated(t *testing.T) {
	store, _ := newTestChromem(t)
	ctx := context.Background()

	a, err := CollectionName("college_syllabus", "alpha")
	require.NoError(t, err)
	b, err := CollectionName("college_syllabus", "beta")
	require.NoError(t, err)

	_, err = store.AddDocuments(ctx, a, pdfChunks()[:1])
	require.NoError(t, err)

	results, err := store.Search(ctx, b, "Dijkstra", 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = store.Search(ctx, a, "Dijkstra", 3)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestChromemStore_Errors(t *testing.T) {
	store, provider := newTestChromem(t)
	ctx := context.Background()

	_, err := store.AddDocuments(ctx, "college_syllabus", nil)
	assert.ErrorIs(t, err, ErrEmptyDocuments)

	_, err = store.AddDocuments(ctx, "Bad Name", pdfChunks())
	assert.ErrorIs(t, err, ErrInvalidCollectionName)

	_, err = store.Search(ctx, "college_syllabus", "q", 0)
	assert.Error(t, err)

	provider.Err = errors.New("quota exceeded")
	_, err = store.AddDocuments(ctx, "college_syllabus", pdfChunks())
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	exists, err := store.CollectionExists(ctx, "college_syllabus")
	require.NoError(t, err)
	assert.False(t, exists, "a failed embed must not create the collection")
}

func TestChromemStore_Persistent(t *testing.T) {
	dir := t.TempDir()
	provider := embeddings.NewTestProvider(32)
	ctx := context.Background()

	store, err := NewChromemStore(ChromemConfig{Path: dir}, provider, nil)
	require.NoError(t, err)
	_, err = store.AddDocuments(ctx, "college_syllabus", pdfChunks())
	require.NoError(t, err)

	reopened, err := NewChromemStore(ChromemConfig{Path: dir}, provider, nil)
	require.NoError(t, err)
	results, err := reopened.Search(ctx, "college_syllabus", "photosynthesis light", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "uploads/bio.pdf", results[0].Chunk.Metadata.Source)
}

func TestNewChromemStore_RequiresEmbedder(t *testing.T) {
	_, err := NewChromemStore(ChromemConfig{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
