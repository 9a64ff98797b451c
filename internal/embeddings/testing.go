package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"unicode"
)

// TestProvider is a deterministic bag-of-words embedder for tests.
//
// Each lowercased token is hashed into one of Dim buckets and the vector is
// L2-normalized, so texts sharing words score higher under cosine distance.
type TestProvider struct {
	Dim int
	// Err, when set, is returned by every call.
	Err error

	calls atomic.Int64
}

// NewTestProvider creates a TestProvider with dim buckets.
func NewTestProvider(dim int) *TestProvider {
	return &TestProvider{Dim: dim}
}

// Calls returns the number of embed calls made so far.
func (p *TestProvider) Calls() int {
	return int(p.calls.Load())
}

func (p *TestProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *TestProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

func (p *TestProvider) Dimension() int { return p.Dim }

func (p *TestProvider) Close() error { return nil }

func (p *TestProvider) vector(text string) []float32 {
	v := make([]float32, p.Dim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '='
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[int(h.Sum32())%p.Dim]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// All-zero vectors break cosine distance.
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
