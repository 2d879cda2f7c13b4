package harnessports

import "context"

// ScoredID is one semantic index hit.
type ScoredID struct {
	Score float64
	ID    string
}

// SemanticIndex selects tools relevant to a query. Hits are ordered best first.
type SemanticIndex interface {
	TopN(ctx context.Context, query string, n int) ([]ScoredID, error)
}

// ToolIndexer is implemented by indexes that accept new documents.
type ToolIndexer interface {
	Index(ctx context.Context, id, text string) error
}

// Embedder turns text into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Dimension() int
}
