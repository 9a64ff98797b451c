package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitter_PreservesLocatorPerPiece(t *testing.T) {
	long := strings.Repeat("word ", 120) // 600 chars
	in := []Chunk{
		{PageContent: long, Metadata: Metadata{Source: "a.pdf", Kind: KindPDF, Loc: Locator{PageNumber: 4}}},
		{PageContent: "short page", Metadata: Metadata{Source: "a.pdf", Kind: KindPDF, Loc: Locator{PageNumber: 5}}},
	}

	out, err := NewSplitter(200, 20).Split(in)
	require.NoError(t, err)
	require.Greater(t, len(out), 2)

	last := out[len(out)-1]
	assert.Equal(t, "short page", last.PageContent)
	assert.Equal(t, 5, last.Metadata.Loc.PageNumber)
	assert.Zero(t, last.Metadata.Loc.Chunk)

	ids := make(map[string]bool)
	for i, c := range out[:len(out)-1] {
		assert.Equal(t, 4, c.Metadata.Loc.PageNumber)
		assert.Equal(t, i+1, c.Metadata.Loc.Chunk)
		assert.LessOrEqual(t, len(c.PageContent), 200)
		assert.NotEmpty(t, c.ID)
		ids[c.ID] = true
	}
	assert.Len(t, ids, len(out)-1)
}

func TestSplitter_DropsBlankChunks(t *testing.T) {
	in := []Chunk{
		{PageContent: "   \n", Metadata: Metadata{Source: "a.pdf", Loc: Locator{PageNumber: 1}}},
		{PageContent: "content", Metadata: Metadata{Source: "a.pdf", Loc: Locator{PageNumber: 2}}},
	}

	out, err := NewSplitter(1000, 200).Split(in)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Metadata.Loc.PageNumber)
}

func TestSplitter_Disabled(t *testing.T) {
	long := strings.Repeat("x", 5000)
	out, err := NewSplitter(0, 0).Split([]Chunk{{PageContent: long, Metadata: Metadata{Source: "r", Loc: Locator{Path: "main.go"}}}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, long, out[0].PageContent)
	assert.Equal(t, ChunkID("r", Locator{Path: "main.go"}, long), out[0].ID)
}

func TestSplitter_PiecesDoNotShareLocatorPointers(t *testing.T) {
	start := Seconds(30)
	in := []Chunk{{
		PageContent: strings.Repeat("lecture ", 100),
		Metadata:    Metadata{Source: "v", Loc: Locator{StartSeconds: start}},
	}}

	out, err := NewSplitter(100, 0).Split(in)
	require.NoError(t, err)
	require.Greater(t, len(out), 1)

	*out[0].Metadata.Loc.StartSeconds = 99
	assert.Equal(t, 30.0, *out[1].Metadata.Loc.StartSeconds)
	assert.Equal(t, 30.0, *start)
}
