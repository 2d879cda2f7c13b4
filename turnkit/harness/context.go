package harness

import (
	"slices"
)

// Document is a static context snippet attached to a run.
type Document struct {
	Text       string
	Score      float32 // higher is better
	TokenCount int
	Source     string // optional provenance
}

// Budget specifies maximum tokens allocated to context packing.
type Budget struct {
	MaxContextTokens int // hard cap for documents
	MaxDocuments     int // safety bound on number of documents
}

// ContextAssembler selects and packs documents within a token budget.
type ContextAssembler struct {
	defaultBudget Budget
	// TokenEstimator should be a fast heuristic; no specific tokenizer is assumed.
	TokenEstimator func(s string) int
}

func NewContextAssembler(b Budget, est func(s string) int) *ContextAssembler {
	if est == nil {
		est = func(s string) int { // rough heuristic: ~4 chars per token
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	return &ContextAssembler{defaultBudget: b, TokenEstimator: est}
}

// Pack orders documents by score desc and packs up to budget, normalizing text.
// Documents of equal score keep their input order. The input is not modified.
func (a *ContextAssembler) Pack(docs []Document, b *Budget) []string {
	if b == nil {
		b = &a.defaultBudget
	}
	if len(docs) == 0 || b.MaxContextTokens <= 0 || b.MaxDocuments <= 0 {
		return nil
	}

	sorted := slices.Clone(docs)
	slices.SortStableFunc(sorted, func(x, y Document) int {
		switch {
		case x.Score > y.Score:
			return -1
		case x.Score < y.Score:
			return 1
		default:
			return 0
		}
	})

	remaining := b.MaxContextTokens
	packed := make([]string, 0, min(len(sorted), b.MaxDocuments))

	for _, d := range sorted {
		if len(packed) >= b.MaxDocuments {
			break
		}
		if d.TokenCount <= 0 {
			d.TokenCount = a.TokenEstimator(d.Text)
		}
		if d.TokenCount > remaining {
			continue
		}
		packed = append(packed, normalizeText(d.Text))
		remaining -= d.TokenCount
		if remaining <= 0 {
			break
		}
	}

	return packed
}
