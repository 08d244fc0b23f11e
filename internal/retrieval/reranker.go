package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/porttrip/concierge/internal/corpus"
)

// Embedder produces one dense vector per input text, in matching order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Rerank reorders candidates by semantic similarity to the query. The query
// and every candidate's search text go to the embedder as a single batch;
// candidates are then sorted by descending dot product against the query
// vector. Vectors are normalized to unit length first; the provider does not
// guarantee unit norm.
//
// Any embedder failure is returned to the caller, which is expected to fall
// back to the pre-rerank ordering.
func Rerank(ctx context.Context, embedder Embedder, query string, candidates []corpus.Snippet) ([]corpus.Snippet, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	inputs := make([]string, 0, len(candidates)+1)
	inputs = append(inputs, query)
	for _, c := range candidates {
		inputs = append(inputs, c.SearchText)
	}

	vecs, err := embedder.Embed(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("embedding batch: %w", err)
	}
	if len(vecs) != len(inputs) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vecs), len(inputs))
	}

	qv := normalize(vecs[0])

	type scored struct {
		snippet corpus.Snippet
		score   float32
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{snippet: c, score: dot(qv, normalize(vecs[i+1]))}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	out := make([]corpus.Snippet, len(ranked))
	for i, r := range ranked {
		out[i] = r.snippet
	}
	return out, nil
}

// normalize returns v scaled to unit L2 norm. Zero vectors pass through
// unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	n := math.Sqrt(sum)
	if n == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(float64(f) / n)
	}
	return out
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return float32(s)
}
