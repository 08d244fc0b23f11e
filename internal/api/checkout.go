package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/porttrip/concierge/internal/billing"
)

func handleCheckout(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Stripe.Configured() {
			httpError(w, http.StatusServiceUnavailable, codePlanUnavailable, "payments are not configured")
			return
		}

		plan := billing.ParsePlan(checkoutPlan(r))
		if plan == billing.PlanFree {
			httpError(w, http.StatusBadRequest, codeInvalidRequest, "plan must be pro or unlimited")
			return
		}
		priceID, ok := deps.Checkout.Prices[plan]
		if !ok || priceID == "" {
			httpError(w, http.StatusServiceUnavailable, codePlanUnavailable, "no price configured for plan %s", plan)
			return
		}

		var customerID string
		if c, err := r.Cookie(billing.CustomerCookie); err == nil {
			customerID = c.Value
		}

		url, err := deps.Stripe.CreateCheckoutSession(r.Context(), priceID, customerID,
			deps.Checkout.SuccessURL, deps.Checkout.CancelURL, plan)
		if err != nil {
			slog.Error("creating checkout session", "plan", plan, "error", err)
			httpError(w, http.StatusBadGateway, codeUpstreamError, "could not start checkout")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url})
	}
}

// checkoutPlan reads the requested plan from the query string or, for POST,
// from a {plan} JSON body. The query string wins.
func checkoutPlan(r *http.Request) string {
	if p := r.URL.Query().Get("plan"); p != "" {
		return p
	}
	if r.Method == http.MethodPost && r.Body != nil {
		var body struct {
			Plan string `json:"plan"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err == nil {
			return body.Plan
		}
	}
	return "pro"
}

func handleStripeWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.Stripe.Configured() {
			httpError(w, http.StatusServiceUnavailable, codePlanUnavailable, "payments are not configured")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, codeInvalidRequest, "reading payload: %v", err)
			return
		}

		ev, err := deps.Stripe.ParseWebhookEvent(payload, r.Header.Get("Stripe-Signature"), time.Now())
		if err != nil {
			if errors.Is(err, billing.ErrInvalidSignature) {
				httpError(w, http.StatusBadRequest, codeInvalidRequest, "invalid signature")
			} else {
				httpError(w, http.StatusBadRequest, codeInvalidRequest, "invalid event: %v", err)
			}
			return
		}

		if err := applyWebhookEvent(r, deps, ev); err != nil {
			// Non-2xx makes Stripe retry the delivery.
			slog.Error("applying webhook event", "event", ev.ID, "type", ev.Type, "error", err)
			httpError(w, http.StatusInternalServerError, codeInternalError, "event not applied")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

func applyWebhookEvent(r *http.Request, deps Deps, ev billing.WebhookEvent) error {
	var obj struct {
		Customer string            `json:"customer"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(ev.Object, &obj); err != nil {
		return err
	}
	if obj.Customer == "" {
		slog.Debug("webhook event without customer, ignoring", "event", ev.ID, "type", ev.Type)
		return nil
	}

	now := time.Now()
	switch ev.Type {
	case "checkout.session.completed":
		// A fresh subscription: record the purchased plan and zero the counter.
		return deps.Stripe.WriteUsage(r.Context(), obj.Customer, billing.Usage{
			Plan:  billing.ParsePlan(obj.Metadata["plan"]),
			Month: billing.MonthKey(now),
		})
	case "customer.subscription.created", "customer.subscription.updated":
		// Plan may have changed; keep it, reset the window.
		u, err := deps.Stripe.ReadUsage(r.Context(), obj.Customer, now)
		if err != nil {
			return err
		}
		if p, ok := obj.Metadata["plan"]; ok && p != "" {
			u.Plan = billing.ParsePlan(p)
		}
		u.Used = 0
		u.Month = billing.MonthKey(now)
		return deps.Stripe.WriteUsage(r.Context(), obj.Customer, u)
	default:
		slog.Debug("ignoring webhook event", "event", ev.ID, "type", ev.Type)
		return nil
	}
}
