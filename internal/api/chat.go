package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/porttrip/concierge/internal/billing"
	"github.com/porttrip/concierge/internal/composer"
	"github.com/porttrip/concierge/internal/llm"
	"github.com/porttrip/concierge/internal/pipeline"
	"github.com/porttrip/concierge/internal/sanitize"
	"github.com/porttrip/concierge/internal/storage"
)

// streamInterruptedNotice is appended to the body when the upstream stream
// dies after deltas were already sent.
const streamInterruptedNotice = "\n\n(Streaming interrupted.)"

type chatRequest struct {
	Messages []llm.Message `json:"messages"`
	History  []llm.Message `json:"history"`
	Query    string        `json:"query"`
	Stream   bool          `json:"stream"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, codeInvalidRequest, "invalid request body: %v", err)
			return
		}

		query, history := splitQuery(req)
		if query == "" {
			httpError(w, http.StatusBadRequest, codeInvalidRequest, "query is required")
			return
		}

		adm, err := deps.Gate.Admit(r.Context(), identityFromRequest(r))
		if err != nil {
			writeAdmitError(w, err)
			return
		}

		res := deps.Pipeline.Enrich(r.Context(), query)
		msgs := composer.Compose(res.PortHint, res.Local, res.Web, history, query)

		if req.Stream {
			streamChat(w, r, deps, adm, query, res, msgs)
			return
		}

		answer, err := deps.Chat.Complete(r.Context(), msgs)
		if err != nil {
			slog.Error("chat completion failed", "error", err)
			httpError(w, http.StatusBadGateway, codeUpstreamError, "upstream error")
			return
		}
		answer = sanitize.Sanitize(answer)

		commit(r, w, deps, adm)
		logInteraction(deps, query, answer, "completed", res)

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(answer))
	}
}

// streamChat forwards plain-text deltas as they arrive. Anonymous usage is
// committed just before the first delta goes out: the refreshed cookie has
// to ride the response headers, and those flush with the first write. A
// stream that dies before producing anything costs nothing and reports an
// upstream error; subscriber usage is committed only after a clean close.
func streamChat(w http.ResponseWriter, r *http.Request, deps Deps, adm *billing.Admission, query string, res pipeline.Result, msgs []llm.Message) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, codeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")

	started := false
	full, err := deps.Chat.Stream(r.Context(), msgs, func(delta string) error {
		if !started {
			started = true
			if adm.Identity.CustomerID == "" {
				commit(r, w, deps, adm)
			}
		}
		if _, werr := w.Write([]byte(delta)); werr != nil {
			return werr
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !started {
			slog.Error("chat stream failed before any content", "error", err)
			httpError(w, http.StatusBadGateway, codeUpstreamError, "upstream error")
			return
		}
		slog.Error("chat stream failed", "error", err, "partial_bytes", len(full))
		w.Write([]byte(streamInterruptedNotice))
		flusher.Flush()
		logInteraction(deps, query, full, "interrupted", res)
		return
	}

	if adm.Identity.CustomerID != "" {
		commit(r, w, deps, adm)
	}
	logInteraction(deps, query, full, "completed", res)
}

// splitQuery resolves the effective query and the prior history. The query
// field wins when set; otherwise the last user message is the query. Either
// way a trailing user message matching the query is dropped from history, so
// the pending turn is never sent twice.
func splitQuery(req chatRequest) (string, []llm.Message) {
	history := req.Messages
	if history == nil {
		history = req.History
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		for i := len(history) - 1; i >= 0; i-- {
			if history[i].Role == llm.RoleUser {
				query = strings.TrimSpace(history[i].Content)
				break
			}
		}
	}
	if query == "" {
		return "", nil
	}

	if n := len(history); n > 0 &&
		history[n-1].Role == llm.RoleUser &&
		strings.TrimSpace(history[n-1].Content) == query {
		history = history[:n-1]
	}
	return query, history
}

func writeAdmitError(w http.ResponseWriter, err error) {
	var qe *billing.QuotaError
	switch {
	case errors.As(err, &qe):
		code := codeLimitReached
		if qe.Plan == billing.PlanFree {
			code = codeFreeLimitReached
		}
		httpError(w, http.StatusPaymentRequired, code, "monthly limit of %d requests reached", qe.Limit)
	case errors.Is(err, billing.ErrPlanUnavailable):
		httpError(w, http.StatusServiceUnavailable, codePlanUnavailable, "plan verification unavailable, try again shortly")
	default:
		slog.Error("admission failed", "error", err)
		httpError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

// commit consumes the admitted slot and refreshes the free-usage cookie when
// the gate hands one back. Commit failures are logged, never surfaced: the
// answer was already produced and the token makes retries safe.
func commit(r *http.Request, w http.ResponseWriter, deps Deps, adm *billing.Admission) {
	cookie, err := deps.Gate.Commit(r.Context(), adm)
	if err != nil {
		slog.Error("usage commit failed", "error", err, "token", adm.Token)
		return
	}
	if cookie != "" {
		setFreeUsageCookie(w, cookie)
	}
}

func logInteraction(deps Deps, query, answer, status string, res pipeline.Result) {
	if deps.Store == nil {
		return
	}
	err := deps.Store.SaveInteraction(storage.Interaction{
		ID:          uuid.New().String(),
		CreatedAt:   time.Now().UTC(),
		UserQuery:   query,
		Answer:      answer,
		Model:       deps.Model,
		Status:      status,
		Passages:    len(res.Local),
		WebSnippets: len(res.Web),
	})
	if err != nil {
		slog.Error("saving interaction", "error", err)
	}
}
