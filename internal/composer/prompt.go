// Package composer assembles the ordered message list sent to the model:
// persona, port hint, grounding context, prior conversation, current turn.
package composer

import (
	"fmt"
	"strings"

	"github.com/porttrip/concierge/internal/corpus"
	"github.com/porttrip/concierge/internal/llm"
	"github.com/porttrip/concierge/internal/websearch"
)

// Persona is the fixed system prompt. It is a constant on purpose: the
// assistant's voice and formatting rules must not drift per request.
const Persona = "You are PortTrip Concierge, the go-to AI for cruise travelers. " +
	"Write naturally and conversationally: short, dense paragraphs; compact lists only when they help. Avoid filler. " +
	"Never assume the port; if unclear, ask one brief clarifying question first. " +
	"Be specific for cruisers: where shuttles drop, taxi vs metro with typical fares and minutes, walking time from the terminal, ticket costs and whether to prebook, queue hot spots and how to avoid them, mobility/family alternatives, and a realistic back-to-ship buffer. " +
	"Prefer grounded facts from CONTEXT; use WEB only if local info is missing or likely outdated. Cite sources by name (no raw URLs). " +
	"Formatting: single line breaks only; numbered lists must count 1,2,3 without resets; headings should not be numbered. " +
	"If information varies (hours, strikes, shuttles), say so briefly and state how to verify at the port."

const styleReminder = "Provide dense, helpful answers. Resist generic filler. " +
	"Keep paragraphs short. Always include a realistic back-to-ship buffer."

const clarifyInstruction = "No clear port detected. Ask one brief question to " +
	"confirm the port before recommending plans."

// Compose builds the full message list for one request. The caller-supplied
// history must not include the pending user turn; Compose always appends it
// last. History order is preserved exactly, with no truncation here.
func Compose(portHint string, local []corpus.Snippet, web []websearch.Snippet, history []llm.Message, userQuery string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+5)

	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: Persona})

	if portHint != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: "Port hint from user text: " + portHint})
	} else {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: clarifyInstruction})
	}

	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: styleReminder})
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: ContextBlock(local, web)})
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: userQuery})

	return msgs
}

// ContextBlock renders the grounding context handed to the model. Local
// passages come first; when there are none the block says so instead of
// being empty, so the model never mistakes missing context for permission
// to improvise.
func ContextBlock(local []corpus.Snippet, web []websearch.Snippet) string {
	var localLines []string
	for i, sn := range local {
		localLines = append(localLines, fmt.Sprintf("• [LOCAL %d | %s | %s] %s", i+1, sn.Port, sn.Category, sn.Text))
	}

	var webLines []string
	for i, ws := range web {
		webLines = append(webLines, fmt.Sprintf("• [WEB %d] %s — %s (%s)", i+1, ws.Title, ws.Snippet, ws.URL))
	}

	out := "CONTEXT:\n"
	if len(localLines) > 0 {
		out += strings.Join(localLines, "\n")
	} else {
		out += "(no local)"
	}
	if len(webLines) > 0 {
		out += "\n\nWEB:\n" + strings.Join(webLines, "\n")
	}
	return out
}
