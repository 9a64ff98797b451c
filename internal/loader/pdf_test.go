package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
	"github.com/fyrsmithlabs/exambuddy/internal/loader/loadertest"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	return p
}

func TestPDFLoader_Load(t *testing.T) {
	path := writeFile(t, "physics.pdf", loadertest.PDF(
		"Newton's second law states F=ma.",
		"Momentum is conserved in closed systems.",
	))

	chunks, err := NewPDFLoader().Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	assert.Contains(t, chunks[0].PageContent, "Newton's second law states F=ma.")
	assert.Contains(t, chunks[1].PageContent, "Momentum is conserved")

	for i, c := range chunks {
		assert.Equal(t, path, c.Metadata.Source)
		assert.Equal(t, document.KindPDF, c.Metadata.Kind)
		assert.Equal(t, 2, c.Metadata.TotalPages)
		assert.Equal(t, i+1, c.Metadata.Loc.PageNumber)
		assert.NotEmpty(t, c.ID)
	}
	assert.NotEqual(t, chunks[0].ID, chunks[1].ID)
}

func TestPDFLoader_DeterministicIDs(t *testing.T) {
	path := writeFile(t, "notes.pdf", loadertest.PDF("Entropy never decreases."))
	l := NewPDFLoader()

	first, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	second, err := l.Load(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestPDFLoader_Errors(t *testing.T) {
	t.Run("missing file is permanent", func(t *testing.T) {
		_, err := NewPDFLoader().Load(context.Background(), filepath.Join(t.TempDir(), "gone.pdf"))
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})

	t.Run("garbage is permanent", func(t *testing.T) {
		path := writeFile(t, "junk.pdf", []byte("this is not a pdf at all, just some text"))
		_, err := NewPDFLoader().Load(context.Background(), path)
		require.Error(t, err)
		assert.True(t, IsPermanent(err))
	})
}
