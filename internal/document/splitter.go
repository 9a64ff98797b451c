package document

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Splitter divides loader output into embedding-sized pieces.
//
// It runs between load and embed. Each piece keeps a copy of its parent's
// metadata and records its 1-based index in Loc.Chunk.
type Splitter struct {
	rc       textsplitter.RecursiveCharacter
	disabled bool
}

// NewSplitter creates a recursive character splitter. A non-positive size
// disables splitting; chunks then only lose blank content.
func NewSplitter(size, overlap int) *Splitter {
	if size <= 0 {
		return &Splitter{disabled: true}
	}
	return &Splitter{
		rc: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		),
	}
}

// Split returns the pieces of chunks in input order. Blank chunks and blank
// pieces are dropped. IDs are reassigned for every returned piece.
func (s *Splitter) Split(chunks []Chunk) ([]Chunk, error) {
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.PageContent) == "" {
			continue
		}
		if s == nil || s.disabled {
			out = append(out, c)
			continue
		}

		pieces, err := s.rc.SplitText(c.PageContent)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", c.Metadata.Source, err)
		}

		kept := pieces[:0]
		for _, p := range pieces {
			if strings.TrimSpace(p) != "" {
				kept = append(kept, p)
			}
		}
		for i, p := range kept {
			md := c.Metadata
			md.Loc = md.Loc.clone()
			if len(kept) > 1 {
				md.Loc.Chunk = i + 1
			}
			out = append(out, Chunk{PageContent: p, Metadata: md})
		}
	}
	AssignIDs(out)
	return out, nil
}
