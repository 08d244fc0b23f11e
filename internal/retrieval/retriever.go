package retrieval

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/porttrip/concierge/internal/corpus"
)

// prefilterWidth is the fixed keyword-prefilter shortlist size handed to the
// embedding reranker, independent of the final passage cap.
const prefilterWidth = 40

// freshnessWords matches query terms that suggest the answer depends on
// up-to-date information the static corpus cannot carry.
var freshnessWords = regexp.MustCompile(`(?i)\b(today|latest|now|open|closed|hours?|opening|closing|price|prices|tickets?|fare|schedule|timetable|shuttle|bus|tram|metro|train|ferry|strike|closure|construction|works?|delay|delays?|weather|holiday|event|festival)\b`)

// Retriever selects grounding passages for a query: lexical prefilter over
// the whole corpus, then an optional embedding rerank of the shortlist. It
// never mutates the corpus and holds no per-request state.
type Retriever struct {
	corpus      *corpus.Store
	embedder    Embedder // nil disables the rerank stage
	maxPassages int
}

// NewRetriever builds a Retriever over store. Pass a nil embedder to run
// lexical-only. If maxPassages <= 0 the default of 14 is used.
func NewRetriever(store *corpus.Store, embedder Embedder, maxPassages int) *Retriever {
	if maxPassages <= 0 {
		maxPassages = 14
	}
	return &Retriever{corpus: store, embedder: embedder, maxPassages: maxPassages}
}

// Retrieve returns up to maxPassages snippets ordered by relevance to query.
// A reranker failure degrades to the lexical ordering; it is logged, never
// surfaced.
func (r *Retriever) Retrieve(ctx context.Context, query string) []corpus.Snippet {
	shortlist := r.prefilter(query)

	if r.embedder == nil || len(shortlist) == 0 {
		return truncate(shortlist, r.maxPassages)
	}

	reranked, err := Rerank(ctx, r.embedder, query, shortlist)
	if err != nil {
		slog.Warn("retrieval: rerank failed, using lexical order", "error", err)
		return truncate(shortlist, r.maxPassages)
	}
	return truncate(reranked, r.maxPassages)
}

// prefilter scores every corpus record lexically and returns the top
// prefilterWidth in descending score order, stable on the original order.
func (r *Retriever) prefilter(query string) []corpus.Snippet {
	snippets := r.corpus.Snippets()

	type scored struct {
		snippet corpus.Snippet
		score   int
	}
	ranked := make([]scored, len(snippets))
	for i, sn := range snippets {
		ranked[i] = scored{snippet: sn, score: Score(query, sn.SearchText)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})

	n := prefilterWidth
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]corpus.Snippet, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].snippet
	}
	return out
}

// NeedsWeb reports whether the query warrants a live web lookup. An explicit
// "no web" phrase blocks it, an explicit "search the web" phrase forces it
// (block wins), otherwise any freshness signal word triggers it.
func NeedsWeb(query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(q, "no web") {
		return false
	}
	if strings.Contains(q, "search the web") {
		return true
	}
	return freshnessWords.MatchString(query)
}

func truncate(s []corpus.Snippet, n int) []corpus.Snippet {
	if len(s) > n {
		return s[:n]
	}
	return s
}
