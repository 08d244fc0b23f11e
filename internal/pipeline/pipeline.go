// Package pipeline runs the per-request enrichment ahead of the model call:
// port-hint inference, corpus retrieval, and the optional live web lookup.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/porttrip/concierge/internal/corpus"
	"github.com/porttrip/concierge/internal/retrieval"
	"github.com/porttrip/concierge/internal/websearch"
)

// Searcher performs a live web lookup. *websearch.Client implements it.
type Searcher interface {
	Search(ctx context.Context, query string) []websearch.Snippet
}

// Result is everything the composer needs for one request.
type Result struct {
	PortHint    string
	Local       []corpus.Snippet
	Web         []websearch.Snippet
	WebSearched bool
	Elapsed     time.Duration
}

// Pipeline wires the enrichment stages together. All fields are set once at
// startup; Enrich is safe for concurrent use.
type Pipeline struct {
	corpus    *corpus.Store
	retriever *retrieval.Retriever
	web       Searcher // nil disables web lookups
}

// New builds a pipeline. Pass a nil searcher to answer from the corpus alone.
func New(store *corpus.Store, retriever *retrieval.Retriever, web Searcher) *Pipeline {
	return &Pipeline{corpus: store, retriever: retriever, web: web}
}

// Enrich gathers grounding material for query. Retrieval and the web lookup
// run concurrently; neither can fail the request, a degraded leg just yields
// fewer snippets. The port hint is advisory only and never filters results.
func (p *Pipeline) Enrich(ctx context.Context, query string) Result {
	start := time.Now()
	res := Result{PortHint: p.corpus.InferPortHint(query)}

	var g errgroup.Group
	g.Go(func() error {
		res.Local = p.retriever.Retrieve(ctx, query)
		return nil
	})
	if p.web != nil && retrieval.NeedsWeb(query) {
		res.WebSearched = true
		g.Go(func() error {
			res.Web = p.web.Search(ctx, query)
			return nil
		})
	}
	g.Wait()

	res.Elapsed = time.Since(start)
	slog.Debug("enriched query",
		"port_hint", res.PortHint,
		"local", len(res.Local),
		"web", len(res.Web),
		"web_searched", res.WebSearched,
		"elapsed", res.Elapsed,
	)
	return res
}
