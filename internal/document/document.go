// Package document defines the chunk model shared by loaders, the vector
// store and the chat service.
//
// A Chunk is the unit stored in and retrieved from a collection. Its
// Locator records where in the source the text came from so answers can
// cite it; every pipeline stage must carry the locator through unchanged.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SourceKind identifies the loader that produced a chunk.
type SourceKind string

const (
	KindPDF        SourceKind = "pdf"
	KindTranscript SourceKind = "transcript"
	KindRepository SourceKind = "repository"
)

// chunkNamespace scopes deterministic chunk IDs.
var chunkNamespace = uuid.MustParse("6f1c3c52-8f0e-4d7a-9a53-2f7d2b8e4c11")

// Chunk is a unit of source text plus its metadata.
type Chunk struct {
	ID          string   `json:"id,omitempty"`
	PageContent string   `json:"pageContent"`
	Metadata    Metadata `json:"metadata"`
}

// Metadata describes where a chunk came from.
type Metadata struct {
	Source     string     `json:"source"`
	Kind       SourceKind `json:"kind,omitempty"`
	Title      string     `json:"title,omitempty"`
	Author     string     `json:"author,omitempty"`
	TotalPages int        `json:"totalPages,omitempty"`
	Loc        Locator    `json:"loc"`
	JobID      string     `json:"jobId,omitempty"`
}

// Locator pinpoints a chunk inside its source.
type Locator struct {
	// PageNumber is 1-based; zero means the source has no pages.
	PageNumber int `json:"pageNumber,omitempty"`
	// StartSeconds is the transcript offset of the first segment.
	StartSeconds *float64 `json:"startSeconds,omitempty"`
	// Path is the file path inside a repository.
	Path string `json:"path,omitempty"`
	// Chunk is the 1-based piece index when the splitter divided the
	// loader's output; zero when the piece is the whole loader output.
	Chunk int `json:"chunk,omitempty"`
}

// key renders the locator as a stable string for ID derivation.
func (l Locator) key() string {
	start := ""
	if l.StartSeconds != nil {
		start = strconv.FormatFloat(*l.StartSeconds, 'f', 3, 64)
	}
	return fmt.Sprintf("p%d|t%s|f%s|c%d", l.PageNumber, start, l.Path, l.Chunk)
}

// clone returns a copy that shares no pointers with l.
func (l Locator) clone() Locator {
	if l.StartSeconds != nil {
		v := *l.StartSeconds
		l.StartSeconds = &v
	}
	return l
}

// Seconds returns a pointer to v, for building Locators.
func Seconds(v float64) *float64 {
	return &v
}

// ChunkID derives a deterministic point ID from the source, the locator and
// the content. Reprocessing the same job produces the same IDs, so a
// redelivered job overwrites its own points instead of duplicating them.
func ChunkID(source string, loc Locator, content string) string {
	sum := sha256.Sum256([]byte(content))
	name := strings.Join([]string{source, loc.key(), hex.EncodeToString(sum[:])}, "\x00")
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

// AssignIDs fills in the ID of every chunk.
func AssignIDs(chunks []Chunk) {
	for i := range chunks {
		c := &chunks[i]
		c.ID = ChunkID(c.Metadata.Source, c.Metadata.Loc, c.PageContent)
	}
}

// EncodeMetadata converts metadata into a generic map using its JSON shape.
// Vector stores persist this map so retrieved chunks serialize identically.
func EncodeMetadata(m Metadata) (map[string]any, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return out, nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(in map[string]any) (Metadata, error) {
	var m Metadata
	if len(in) == 0 {
		return m, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return m, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

// Texts returns the page content of every chunk, in order.
func Texts(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.PageContent
	}
	return out
}
