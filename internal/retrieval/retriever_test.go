package retrieval

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/porttrip/concierge/internal/corpus"
)

// fakeEmbedder returns fixed vectors keyed by input text, or a canned error.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, txt := range texts {
		v, ok := f.vectors[txt]
		if !ok {
			v = []float32{0, 0}
		}
		out[i] = v
	}
	return out, nil
}

func testCorpus(t *testing.T) *corpus.Store {
	t.Helper()
	return corpus.Load([]byte(`[
		{"port": "Barcelona", "category": "transport", "snippet": "Taxi to Sagrada Família ~€12–15"},
		{"port": "Athens", "category": "transport", "snippet": "Metro from Piraeus to Monastiraki"},
		{"port": "Lisbon", "category": "food", "snippet": "Pastéis de Belém near the tram stop"}
	]`))
}

func TestRetrieve_LexicalOnly(t *testing.T) {
	r := NewRetriever(testCorpus(t), nil, 2)

	got := r.Retrieve(context.Background(), "taxi in barcelona")
	if len(got) != 2 {
		t.Fatalf("expected 2 passages, got %d", len(got))
	}
	if got[0].Port != "Barcelona" {
		t.Errorf("top passage = %q, want Barcelona", got[0].Port)
	}
}

func TestRetrieve_EmbedderFailureDegrades(t *testing.T) {
	store := testCorpus(t)
	emb := &fakeEmbedder{err: errors.New("provider down")}
	r := NewRetriever(store, emb, 10)

	got := r.Retrieve(context.Background(), "taxi in barcelona")
	if len(got) != store.Len() {
		t.Fatalf("expected min(maxPassages, N) = %d passages, got %d", store.Len(), len(got))
	}
	if got[0].Port != "Barcelona" {
		t.Errorf("fallback should keep lexical order, got %q first", got[0].Port)
	}
	if emb.calls != 1 {
		t.Errorf("embedder should be tried once, called %d times", emb.calls)
	}
}

func TestRetrieve_RerankReorders(t *testing.T) {
	store := testCorpus(t)
	snippets := store.Snippets()
	// The query vector points at Athens regardless of magnitude: reranking
	// must normalize, so the long Barcelona vector does not win on length.
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"port day":             {0, 1},
		snippets[0].SearchText: {10, 0},
		snippets[1].SearchText: {0, 0.5},
		snippets[2].SearchText: {0.1, 0.1},
	}}
	r := NewRetriever(store, emb, 3)

	got := r.Retrieve(context.Background(), "port day")
	if got[0].Port != "Athens" {
		t.Fatalf("rerank should rank Athens first, got %q", got[0].Port)
	}
}

func TestRetrieve_StableTieBreak(t *testing.T) {
	store := corpus.Load([]byte(`[
		{"port": "A", "snippet": "nothing relevant"},
		{"port": "B", "snippet": "nothing relevant"},
		{"port": "C", "snippet": "nothing relevant"}
	]`))
	r := NewRetriever(store, nil, 3)

	got := r.Retrieve(context.Background(), "zzz")
	for i, want := range []string{"A", "B", "C"} {
		if got[i].Port != want {
			t.Errorf("tie-break order broken at %d: got %q, want %q", i, got[i].Port, want)
		}
	}
}

func TestRetrieve_PrefilterWidthIndependentOfCap(t *testing.T) {
	var rows string
	for i := 0; i < 60; i++ {
		if i > 0 {
			rows += ","
		}
		rows += fmt.Sprintf(`{"port": "P%02d", "snippet": "harbor"}`, i)
	}
	store := corpus.Load([]byte("[" + rows + "]"))

	emb := &fakeEmbedder{vectors: map[string][]float32{}}
	r := NewRetriever(store, emb, 5)
	got := r.Retrieve(context.Background(), "harbor")
	if len(got) != 5 {
		t.Fatalf("expected 5 passages, got %d", len(got))
	}
	// 60 records, shortlist of 40, plus the query itself.
	if emb.calls != 1 {
		t.Fatalf("expected one batch call, got %d", emb.calls)
	}
}

func TestNeedsWeb(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"Is the ferry schedule today affected by a strike?", true},
		{"How much is a taxi in Barcelona?", false},
		{"what's the weather like", true},
		{"best tapas near the terminal", false},
		{"please search the web for tender times", true},
		{"no web please, what are the shuttle hours", false},
		{"", false},
	}
	for _, c := range cases {
		if got := NeedsWeb(c.query); got != c.want {
			t.Errorf("NeedsWeb(%q) = %v, want %v", c.query, got, c.want)
		}
	}
}
