package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithBaseURL("test-key", "gpt-4o-mini", "text-embedding-3-large", srv.URL+"/v1")
}

func TestComplete(t *testing.T) {
	var gotReq map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"The taxi rank is outside gate 3."}}]}`)
	})

	answer, err := client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a concierge."},
		{Role: RoleUser, Content: "Where do I find a taxi?"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if answer != "The taxi rank is outside gate 3." {
		t.Errorf("answer = %q", answer)
	}
	if gotReq["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v", gotReq["model"])
	}
	msgs, _ := gotReq["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
}

func TestCompleteEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[]}`)
	})

	if _, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestStream(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Take ", "the ", "shuttle."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	full, err := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "how do I get to town?"}},
		func(delta string) error {
			deltas = append(deltas, delta)
			return nil
		})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if full != "Take the shuttle." {
		t.Errorf("full = %q", full)
	}
	if len(deltas) != 3 {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestStreamEmitError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	full, err := client.Stream(context.Background(), []Message{{Role: RoleUser, Content: "q"}},
		func(delta string) error { return fmt.Errorf("client went away") })
	if err == nil {
		t.Fatal("expected emit error to propagate")
	}
	if full != "partial" {
		t.Errorf("partial text = %q", full)
	}
}

func TestEmbedOrdering(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "text-embedding-3-large" {
			t.Errorf("model = %q", req.Model)
		}
		// Indices deliberately out of order.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[
			{"index":1,"embedding":[0,1]},
			{"index":0,"embedding":[1,0]}
		]}`)
	})

	vecs, err := client.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("vectors = %d", len(vecs))
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors out of order: %v", vecs)
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty input")
	})

	vecs, err := client.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v", vecs, err)
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1]}]}`)
	})

	if _, err := client.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error for vector count mismatch")
	}
}
