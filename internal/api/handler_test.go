package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/porttrip/concierge/internal/billing"
	"github.com/porttrip/concierge/internal/corpus"
	"github.com/porttrip/concierge/internal/llm"
	"github.com/porttrip/concierge/internal/pipeline"
	"github.com/porttrip/concierge/internal/retrieval"
	"github.com/porttrip/concierge/internal/storage"
)

type fakeChatter struct {
	answer      string
	err         error
	deltas      []string
	streamErr   error
	gotMessages []llm.Message
}

func (f *fakeChatter) Complete(_ context.Context, messages []llm.Message) (string, error) {
	f.gotMessages = messages
	return f.answer, f.err
}

func (f *fakeChatter) Stream(_ context.Context, messages []llm.Message, emit func(string) error) (string, error) {
	f.gotMessages = messages
	var full string
	for _, d := range f.deltas {
		if err := emit(d); err != nil {
			return full, err
		}
		full += d
	}
	return full, f.streamErr
}

func newTestDeps(t *testing.T, chat *fakeChatter) Deps {
	t.Helper()

	store := corpus.Load([]byte(`[
		{"port": "Barcelona", "category": "transport", "snippet": "Metro L3 from Drassanes, about 20 minutes.", "aliases": ["bcn"]},
		{"port": "Piraeus", "category": "transport", "snippet": "X80 express bus to the Acropolis area.", "aliases": ["athens"]}
	]`))
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return Deps{
		Corpus:   store,
		Store:    db,
		Pipeline: pipeline.New(store, retrieval.NewRetriever(store, nil, 14), nil),
		Chat:     chat,
		Gate:     billing.NewGate(nil, db, false),
		Model:    "gpt-4o-mini",
	}
}

func doChat(t *testing.T, deps Deps, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(deps)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	for _, c := range cookies {
		req.AddCookie(c)
	}
	h.ServeHTTP(rr, req)
	return rr
}

func responseCookie(t *testing.T, rr *httptest.ResponseRecorder, name string) string {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func TestHealth(t *testing.T) {
	h := NewHandler(newTestDeps(t, &fakeChatter{}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestChat_NonStreaming(t *testing.T) {
	chat := &fakeChatter{answer: "Take the metro.\n\n\n\nBudget 30 minutes back."}
	deps := newTestDeps(t, chat)

	rr := doChat(t, deps, `{"messages":[{"role":"user","content":"taxi from the port in Barcelona"}]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rr.Body.String(); got != "Take the metro.\n\nBudget 30 minutes back." {
		t.Errorf("answer not sanitized: %q", got)
	}

	month := billing.MonthKey(time.Now())
	if got := responseCookie(t, rr, billing.FreeUsageCookie); got != month+":1" {
		t.Errorf("free-usage cookie = %q, want %s:1", got, month)
	}

	// Prompt shape: persona first, query last.
	if len(chat.gotMessages) < 5 {
		t.Fatalf("composed %d messages", len(chat.gotMessages))
	}
	if chat.gotMessages[0].Role != llm.RoleSystem {
		t.Errorf("first message role = %q", chat.gotMessages[0].Role)
	}
	last := chat.gotMessages[len(chat.gotMessages)-1]
	if last.Role != llm.RoleUser || last.Content != "taxi from the port in Barcelona" {
		t.Errorf("last message = %+v", last)
	}

	// Interaction logged.
	rows, err := deps.Store.ListInteractions(5, 0)
	if err != nil || len(rows) != 1 {
		t.Fatalf("interactions = %v (%v)", rows, err)
	}
	if rows[0].Status != "completed" || rows[0].UserQuery != "taxi from the port in Barcelona" {
		t.Errorf("logged interaction = %+v", rows[0])
	}
}

func TestChat_EmptyQuery(t *testing.T) {
	deps := newTestDeps(t, &fakeChatter{})

	for _, body := range []string{`{}`, `{"messages":[]}`, `{"messages":[{"role":"assistant","content":"hi"}]}`} {
		rr := doChat(t, deps, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestChat_InvalidBody(t *testing.T) {
	rr := doChat(t, newTestDeps(t, &fakeChatter{}), "{invalid")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestChat_FreeLimitReached(t *testing.T) {
	deps := newTestDeps(t, &fakeChatter{answer: "x"})
	month := billing.MonthKey(time.Now())

	rr := doChat(t, deps, `{"query":"taxi in Barcelona"}`,
		&http.Cookie{Name: billing.FreeUsageCookie, Value: month + ":3"})

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["code"] != codeFreeLimitReached {
		t.Errorf("code = %q, want %s", body["code"], codeFreeLimitReached)
	}
}

func TestChat_SubscriberFailsClosed(t *testing.T) {
	// No Stripe configured and no unmetered fallback: subscribers get 503.
	deps := newTestDeps(t, &fakeChatter{answer: "x"})

	rr := doChat(t, deps, `{"query":"taxi in Barcelona"}`,
		&http.Cookie{Name: billing.CustomerCookie, Value: "cus_1"})

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["code"] != codePlanUnavailable {
		t.Errorf("code = %q, want %s", body["code"], codePlanUnavailable)
	}
}

func TestChat_UpstreamErrorSkipsCommit(t *testing.T) {
	deps := newTestDeps(t, &fakeChatter{err: errors.New("boom")})

	rr := doChat(t, deps, `{"query":"taxi in Barcelona"}`)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if got := responseCookie(t, rr, billing.FreeUsageCookie); got != "" {
		t.Errorf("failed request must not burn quota, cookie = %q", got)
	}
}

func TestChat_Streaming(t *testing.T) {
	chat := &fakeChatter{deltas: []string{"Take ", "the ", "metro."}}
	deps := newTestDeps(t, chat)

	rr := doChat(t, deps, `{"query":"taxi in Barcelona","stream":true}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Body.String(); got != "Take the metro." {
		t.Errorf("streamed body = %q", got)
	}
	if got := responseCookie(t, rr, billing.FreeUsageCookie); got == "" {
		t.Error("streaming response must carry the refreshed free-usage cookie")
	}

	rows, _ := deps.Store.ListInteractions(5, 0)
	if len(rows) != 1 || rows[0].Status != "completed" {
		t.Errorf("interactions = %+v", rows)
	}
}

func TestChat_StreamingInterrupted(t *testing.T) {
	chat := &fakeChatter{deltas: []string{"Take the"}, streamErr: errors.New("upstream reset")}
	deps := newTestDeps(t, chat)

	rr := doChat(t, deps, `{"query":"taxi in Barcelona","stream":true}`)

	if got := rr.Body.String(); got != "Take the"+streamInterruptedNotice {
		t.Errorf("interrupted body = %q", got)
	}
	// Content was delivered before the failure, so the slot is spent.
	if got := responseCookie(t, rr, billing.FreeUsageCookie); got == "" {
		t.Error("partial stream should still carry the refreshed free-usage cookie")
	}
	rows, _ := deps.Store.ListInteractions(5, 0)
	if len(rows) != 1 || rows[0].Status != "interrupted" {
		t.Errorf("interactions = %+v", rows)
	}
}

func TestChat_StreamFailsBeforeContent(t *testing.T) {
	// Provider unreachable: the stream dies without a single delta. No
	// headers are out yet, so the caller gets a real error status and the
	// free-tier counter stays untouched.
	chat := &fakeChatter{streamErr: errors.New("connection refused")}
	deps := newTestDeps(t, chat)

	rr := doChat(t, deps, `{"query":"taxi in Barcelona","stream":true}`)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["code"] != codeUpstreamError {
		t.Errorf("code = %q, want %s", body["code"], codeUpstreamError)
	}
	if got := responseCookie(t, rr, billing.FreeUsageCookie); got != "" {
		t.Errorf("stream that produced nothing must not burn quota, cookie = %q", got)
	}
}

func TestSplitQuery(t *testing.T) {
	user := func(s string) llm.Message { return llm.Message{Role: llm.RoleUser, Content: s} }
	assistant := func(s string) llm.Message { return llm.Message{Role: llm.RoleAssistant, Content: s} }

	// Last user message becomes the query and is dropped from history.
	q, hist := splitQuery(chatRequest{Messages: []llm.Message{
		user("first"), assistant("answer"), user("second"),
	}})
	if q != "second" || len(hist) != 2 {
		t.Errorf("q = %q, history = %+v", q, hist)
	}

	// Explicit query field wins; matching trailing turn deduped.
	q, hist = splitQuery(chatRequest{Query: "second", Messages: []llm.Message{
		user("first"), assistant("answer"), user("second"),
	}})
	if q != "second" || len(hist) != 2 {
		t.Errorf("q = %q, history = %+v", q, hist)
	}

	// Non-matching trailing turn stays.
	q, hist = splitQuery(chatRequest{Query: "other", Messages: []llm.Message{user("first")}})
	if q != "other" || len(hist) != 1 {
		t.Errorf("q = %q, history = %+v", q, hist)
	}

	// The history field is an accepted alias.
	q, hist = splitQuery(chatRequest{History: []llm.Message{user("hello")}})
	if q != "hello" || len(hist) != 0 {
		t.Errorf("q = %q, history = %+v", q, hist)
	}
}

func TestMe(t *testing.T) {
	deps := newTestDeps(t, &fakeChatter{})
	h := NewHandler(deps)
	month := billing.MonthKey(time.Now())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: billing.FreeUsageCookie, Value: month + ":2"})
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Plan  string `json:"plan"`
		Limit int    `json:"limit"`
		Used  int    `json:"used"`
		Month string `json:"month"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if body.Plan != "free" || body.Limit != billing.FreeLimit || body.Used != 2 || body.Month != month {
		t.Errorf("body = %+v", body)
	}
}

func TestPorts(t *testing.T) {
	deps := newTestDeps(t, &fakeChatter{})
	if err := deps.Store.InsertPort(storage.PortRow{City: "Valletta", Region: "Malta"}); err != nil {
		t.Fatalf("inserting port: %v", err)
	}
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ports", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "max-age=300") {
		t.Errorf("Cache-Control = %q", cc)
	}

	var listings []corpus.PortListing
	json.NewDecoder(rr.Body).Decode(&listings)
	names := make(map[string]bool)
	for _, l := range listings {
		names[l.Name] = true
	}
	for _, want := range []string{"Barcelona", "Piraeus", "Valletta"} {
		if !names[want] {
			t.Errorf("missing port %s in %v", want, listings)
		}
	}
}

func TestCheckout_Unconfigured(t *testing.T) {
	h := NewHandler(newTestDeps(t, &fakeChatter{}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/checkout?plan=pro", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
}

func TestCheckout(t *testing.T) {
	stripe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			http.NotFound(w, r)
			return
		}
		r.ParseForm()
		if r.PostForm.Get("line_items[0][price]") != "price_pro" {
			t.Errorf("price = %q", r.PostForm.Get("line_items[0][price]"))
		}
		fmt.Fprint(w, `{"id":"cs_1","url":"https://checkout.stripe.com/pay/cs_1"}`)
	}))
	t.Cleanup(stripe.Close)

	deps := newTestDeps(t, &fakeChatter{})
	deps.Stripe = billing.NewStripeClientWithBaseURL("sk_test", "whsec_test", stripe.URL)
	deps.Checkout = CheckoutConfig{
		SuccessURL: "https://app/success",
		CancelURL:  "https://app/cancel",
		Prices:     map[billing.Plan]string{billing.PlanPro: "price_pro"},
	}
	h := NewHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/checkout?plan=pro", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if !strings.HasPrefix(body["url"], "https://checkout.stripe.com/") {
		t.Errorf("url = %q", body["url"])
	}

	// Free tier has nothing to buy.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/checkout?plan=free", nil))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("free plan checkout status = %d, want 400", rr.Code)
	}
}
