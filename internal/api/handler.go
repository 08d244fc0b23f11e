// Package api exposes the HTTP surface: the chat endpoint, quota and port
// lookups, the Stripe boundary, and the stdio MCP server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/porttrip/concierge/internal/billing"
	"github.com/porttrip/concierge/internal/corpus"
	"github.com/porttrip/concierge/internal/llm"
	"github.com/porttrip/concierge/internal/pipeline"
	"github.com/porttrip/concierge/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Error codes returned in the {error, code} envelope.
const (
	codeInvalidRequest   = "INVALID_REQUEST"
	codeFreeLimitReached = "FREE_LIMIT_REACHED"
	codeLimitReached     = "LIMIT_REACHED"
	codePlanUnavailable  = "PLAN_UNAVAILABLE"
	codeUpstreamError    = "UPSTREAM_ERROR"
	codeInternalError    = "INTERNAL_ERROR"
)

// Chatter is the model call surface the handlers need. *llm.Client
// implements it.
type Chatter interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	Stream(ctx context.Context, messages []llm.Message, emit func(delta string) error) (string, error)
}

// CheckoutConfig holds the Stripe checkout wiring.
type CheckoutConfig struct {
	SuccessURL string
	CancelURL  string
	Prices     map[billing.Plan]string
}

// Deps holds everything the handlers use. Stripe and Store may be nil when
// the corresponding feature is not configured.
type Deps struct {
	Corpus   *corpus.Store
	Store    *storage.Store
	Pipeline *pipeline.Pipeline
	Chat     Chatter
	Gate     *billing.Gate
	Stripe   *billing.StripeClient
	Model    string
	Checkout CheckoutConfig
}

// NewHandler returns the REST API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)

	r.Get("/health", handleHealth)
	r.Post("/chat", handleChat(deps))
	r.Get("/me", handleMe(deps))
	r.Get("/ports", handlePorts(deps))
	r.Get("/checkout", handleCheckout(deps))
	r.Post("/checkout", handleCheckout(deps))
	r.Post("/stripe/webhook", handleStripeWebhook(deps))

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleMe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Gate.CheckQuota(r.Context(), identityFromRequest(r))
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, codePlanUnavailable, "plan verification unavailable")
			return
		}

		var limit any = "unlimited"
		if q.Limited {
			limit = q.Limit
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"plan":  q.Plan,
			"limit": limit,
			"used":  q.Used,
			"month": q.Month,
		})
	}
}

func handlePorts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}

		listings := deps.Corpus.List(q, limit)
		if deps.Store != nil && len(listings) < limit {
			rows, err := deps.Store.SearchPorts(q, limit-len(listings))
			if err == nil {
				base := deps.Corpus.Len()
				for _, row := range rows {
					listings = append(listings, corpus.PortListing{
						ID:     base + row.ID,
						Name:   row.City,
						Region: row.Region,
					})
				}
			}
		}

		w.Header().Set("Cache-Control", "public, max-age=300")
		writeJSON(w, http.StatusOK, listings)
	}
}

// identityFromRequest derives the billing identity from the subscriber and
// free-usage cookies. A subscriber cookie wins; the free cookie only matters
// for anonymous callers.
func identityFromRequest(r *http.Request) billing.Identity {
	if c, err := r.Cookie(billing.CustomerCookie); err == nil && c.Value != "" {
		return billing.Identity{CustomerID: c.Value}
	}
	var raw string
	if c, err := r.Cookie(billing.FreeUsageCookie); err == nil {
		raw = c.Value
	}
	return billing.Identity{Anon: billing.ParseAnonUsage(raw, time.Now())}
}

func setFreeUsageCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     billing.FreeUsageCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   60 * 60 * 24 * 90,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, code string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": fmt.Sprintf(format, args...),
		"code":  code,
	})
}
