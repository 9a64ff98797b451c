package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/tmc/langchaingo/documentloaders"

	"github.com/fyrsmithlabs/exambuddy/internal/document"
)

// PDFLoader reads a PDF from local storage, one chunk per page.
type PDFLoader struct{}

// NewPDFLoader creates a PDFLoader.
func NewPDFLoader() *PDFLoader {
	return &PDFLoader{}
}

// Load opens path and extracts the text of every page. Page numbers are
// 1-based and recorded in Loc.PageNumber.
func (l *PDFLoader) Load(ctx context.Context, path string) (chunks []document.Chunk, err error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Permanentf("pdf %s: %w", path, err)
		}
		return nil, fmt.Errorf("pdf %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pdf %s: stat: %w", path, err)
	}

	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			chunks = nil
			err = Permanentf("pdf %s: malformed document: %v", path, r)
		}
	}()

	docs, err := documentloaders.NewPDF(f, info.Size()).Load(ctx)
	if err != nil {
		return nil, Permanentf("pdf %s: %w", path, err)
	}

	chunks = make([]document.Chunk, 0, len(docs))
	for i, d := range docs {
		page := i + 1
		if p, ok := d.Metadata["page"].(int); ok {
			page = p
		}
		total, _ := d.Metadata["total_pages"].(int)
		chunks = append(chunks, document.Chunk{
			PageContent: d.PageContent,
			Metadata: document.Metadata{
				Source:     path,
				Kind:       document.KindPDF,
				TotalPages: total,
				Loc:        document.Locator{PageNumber: page},
			},
		})
	}
	document.AssignIDs(chunks)
	return chunks, nil
}

var _ Loader = (*PDFLoader)(nil)
