package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	stripeBaseURL = "https://api.stripe.com"
	stripeTimeout = 15 * time.Second

	// Maximum clock skew accepted when verifying webhook signatures.
	webhookTolerance = 5 * time.Minute
)

// ErrInvalidSignature is returned for webhook payloads whose Stripe-Signature
// header does not verify.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Usage is the metered state stored on a Stripe customer's metadata:
// plan tier, the month the counter belongs to, and requests used so far.
type Usage struct {
	Plan  Plan
	Month string
	Used  int
}

// StripeClient talks to the Stripe REST API. Customer metadata is the source
// of truth for subscriber usage counters.
type StripeClient struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
}

// NewStripeClient returns a client authenticated with secretKey. The webhook
// secret may be empty when webhook handling is not configured.
func NewStripeClient(secretKey, webhookSecret string) *StripeClient {
	return &StripeClient{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		baseURL:       stripeBaseURL,
		httpClient:    &http.Client{Timeout: stripeTimeout},
	}
}

// NewStripeClientWithBaseURL creates a client pointing at a custom endpoint
// (for testing against a fake API).
func NewStripeClientWithBaseURL(secretKey, webhookSecret, baseURL string) *StripeClient {
	c := NewStripeClient(secretKey, webhookSecret)
	c.baseURL = baseURL
	return c
}

// Configured reports whether a secret key is set.
func (c *StripeClient) Configured() bool {
	return c != nil && c.secretKey != ""
}

type stripeCustomer struct {
	ID       string            `json:"id"`
	Deleted  bool              `json:"deleted"`
	Metadata map[string]string `json:"metadata"`
}

// ReadUsage fetches the customer's plan and usage counter. A stored month
// that differs from the current one means the window rolled over, so the
// counter reads as zero; the reset is persisted on the next WriteUsage.
func (c *StripeClient) ReadUsage(ctx context.Context, customerID string, now time.Time) (Usage, error) {
	var cust stripeCustomer
	if err := c.get(ctx, "/v1/customers/"+url.PathEscape(customerID), &cust); err != nil {
		return Usage{}, err
	}
	if cust.Deleted {
		return Usage{}, fmt.Errorf("customer %s is deleted", customerID)
	}

	u := Usage{
		Plan:  ParsePlan(cust.Metadata["plan"]),
		Month: MonthKey(now),
	}
	if cust.Metadata["month"] == u.Month {
		if n, err := strconv.Atoi(cust.Metadata["used"]); err == nil && n > 0 {
			u.Used = n
		}
	}
	return u, nil
}

// WriteUsage persists u to the customer's metadata.
func (c *StripeClient) WriteUsage(ctx context.Context, customerID string, u Usage) error {
	form := url.Values{}
	form.Set("metadata[plan]", string(u.Plan))
	form.Set("metadata[month]", u.Month)
	form.Set("metadata[used]", strconv.Itoa(u.Used))
	return c.postForm(ctx, "/v1/customers/"+url.PathEscape(customerID), form, nil)
}

type checkoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession starts a subscription checkout for priceID and
// returns the hosted payment page URL. customerID may be empty for a new
// subscriber; Stripe then creates the customer at payment time.
func (c *StripeClient) CreateCheckoutSession(ctx context.Context, priceID, customerID, successURL, cancelURL string, plan Plan) (string, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("line_items[0][price]", priceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)
	form.Set("metadata[plan]", string(plan))
	if customerID != "" {
		form.Set("customer", customerID)
	}

	var session checkoutSession
	if err := c.postForm(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return "", err
	}
	if session.URL == "" {
		return "", errors.New("checkout session has no URL")
	}
	return session.URL, nil
}

// WebhookEvent is a verified Stripe event. Object holds the raw event
// payload, e.g. the checkout session for checkout.session.completed.
type WebhookEvent struct {
	ID     string
	Type   string
	Object json.RawMessage
}

// ParseWebhookEvent verifies the Stripe-Signature header against the webhook
// secret and decodes the event. It returns ErrInvalidSignature when the
// signature is missing, stale, or does not match.
func (c *StripeClient) ParseWebhookEvent(payload []byte, sigHeader string, now time.Time) (WebhookEvent, error) {
	if err := verifyStripeSignature(payload, sigHeader, c.webhookSecret, now); err != nil {
		return WebhookEvent{}, err
	}

	var raw struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return WebhookEvent{}, fmt.Errorf("decoding webhook event: %w", err)
	}
	return WebhookEvent{ID: raw.ID, Type: raw.Type, Object: raw.Data.Object}, nil
}

// verifyStripeSignature checks the "t=<ts>,v1=<hmac>" header scheme: the
// signature is HMAC-SHA256 over "<ts>.<payload>" keyed with the webhook
// secret, and the timestamp must be within the tolerance window.
func verifyStripeSignature(payload []byte, header, secret string, now time.Time) error {
	if secret == "" || header == "" {
		return ErrInvalidSignature
	}

	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			ts = n
		case "v1":
			sig, err := hex.DecodeString(value)
			if err == nil {
				sigs = append(sigs, sig)
			}
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return ErrInvalidSignature
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := mac.Sum(nil)
	for _, sig := range sigs {
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// --- HTTP plumbing ---

func (c *StripeClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *StripeClient) postForm(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *StripeClient) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling stripe: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading stripe response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("stripe returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding stripe response: %w", err)
	}
	return nil
}
