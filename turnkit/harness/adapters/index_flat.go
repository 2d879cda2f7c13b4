package adapters

import (
	"context"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"unicode"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"gonum.org/v1/gonum/floats"
)

// FlatToolIndex is a brute-force in-memory semantic index over tool
// descriptions. Vectors are stored unit-normalized so a dot product is the
// cosine similarity.
type FlatToolIndex struct {
	mu       sync.RWMutex
	embedder ports.Embedder
	ids      []string
	vectors  [][]float64
}

// NewFlatToolIndex creates an empty index using embedder for documents and queries.
func NewFlatToolIndex(embedder ports.Embedder) *FlatToolIndex {
	return &FlatToolIndex{embedder: embedder}
}

// Index adds or replaces the document for id.
func (f *FlatToolIndex) Index(ctx context.Context, id, text string) error {
	vec, err := f.embed(ctx, text)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.vectors) > 0 && len(f.vectors[0]) != len(vec) {
		return fmt.Errorf("vector dimension mismatch: index holds %d, got %d", len(f.vectors[0]), len(vec))
	}
	if i := slices.Index(f.ids, id); i >= 0 {
		f.vectors[i] = vec
		return nil
	}
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, vec)
	return nil
}

// TopN returns up to n ids ordered by cosine similarity to query, best first.
// Ties keep insertion order.
func (f *FlatToolIndex) TopN(ctx context.Context, query string, n int) ([]ports.ScoredID, error) {
	if n <= 0 {
		return nil, nil
	}
	q, err := f.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	results := make([]ports.ScoredID, len(f.ids))
	for i, v := range f.vectors {
		if len(v) != len(q) {
			f.mu.RUnlock()
			return nil, fmt.Errorf("vector dimension mismatch: index holds %d, query has %d", len(v), len(q))
		}
		results[i] = ports.ScoredID{ID: f.ids[i], Score: floats.Dot(q, v)}
	}
	f.mu.RUnlock()

	slices.SortStableFunc(results, func(a, b ports.ScoredID) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	if len(results) > n {
		results = results[:n]
	}
	return results, nil
}

// Len returns the number of indexed documents.
func (f *FlatToolIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.ids)
}

func (f *FlatToolIndex) embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := f.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("failed to embed: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 input", len(vecs))
	}
	vec := slices.Clone(vecs[0])
	if dim := f.embedder.Dimension(); dim > 0 && len(vec) != dim {
		return nil, fmt.Errorf("vector dimension mismatch: expected %d, got %d", dim, len(vec))
	}
	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}
	return vec, nil
}

// HashEmbedder is a dependency-free bag-of-words embedder: every lower-cased
// word is hashed into one of dim buckets. Good enough to route tools by
// keyword overlap when no model-backed embedder is wired.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates an embedder producing dim-sized vectors.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim < 1 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Dimension() int { return h.dim }

func (h *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := make([]float64, h.dim)
		words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			hf := fnv.New32a()
			hf.Write([]byte(w))
			vec[int(hf.Sum32()%uint32(h.dim))]++
		}
		out[i] = vec
	}
	return out, nil
}

var (
	_ ports.SemanticIndex = (*FlatToolIndex)(nil)
	_ ports.ToolIndexer   = (*FlatToolIndex)(nil)
	_ ports.Embedder      = (*HashEmbedder)(nil)
)
