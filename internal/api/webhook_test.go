package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/porttrip/concierge/internal/billing"
)

func signPayload(t *testing.T, secret string, ts time.Time, payload string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts.Unix())
	mac.Write([]byte(payload))
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhook_CheckoutCompleted(t *testing.T) {
	var mu sync.Mutex
	metadata := map[string]string{"plan": "free"}

	stripe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/customers/") {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if r.Method == http.MethodPost {
			r.ParseForm()
			for _, k := range []string{"plan", "month", "used"} {
				metadata[k] = r.PostForm.Get("metadata[" + k + "]")
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "cus_1", "metadata": metadata})
	}))
	t.Cleanup(stripe.Close)

	deps := newTestDeps(t, &fakeChatter{})
	deps.Stripe = billing.NewStripeClientWithBaseURL("sk_test", "whsec_test", stripe.URL)
	h := NewHandler(deps)

	payload := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"customer":"cus_1","metadata":{"plan":"unlimited"}}}}`
	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(t, "whsec_test", time.Now(), payload))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if metadata["plan"] != "unlimited" || metadata["used"] != "0" {
		t.Errorf("customer metadata = %v", metadata)
	}
	if metadata["month"] != billing.MonthKey(time.Now()) {
		t.Errorf("month = %q", metadata["month"])
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	deps := newTestDeps(t, &fakeChatter{})
	deps.Stripe = billing.NewStripeClientWithBaseURL("sk_test", "whsec_test", "http://unused")
	h := NewHandler(deps)

	payload := `{"id":"evt_1","type":"checkout.session.completed"}`
	cases := map[string]string{
		"missing": "",
		"wrong":   signPayload(t, "whsec_other", time.Now(), payload),
		"stale":   signPayload(t, "whsec_test", time.Now().Add(-time.Hour), payload),
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(payload))
		if header != "" {
			req.Header.Set("Stripe-Signature", header)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s signature: status = %d, want 400", name, rr.Code)
		}
	}
}

func TestStripeWebhook_IgnoresUnknownEvents(t *testing.T) {
	deps := newTestDeps(t, &fakeChatter{})
	deps.Stripe = billing.NewStripeClientWithBaseURL("sk_test", "whsec_test", "http://unused")
	h := NewHandler(deps)

	payload := `{"id":"evt_2","type":"invoice.paid","data":{"object":{"customer":"cus_1"}}}`
	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signPayload(t, "whsec_test", time.Now(), payload))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for ignored event", rr.Code)
	}
}
