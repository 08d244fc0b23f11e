package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/porttrip/concierge/internal/billing"
	"github.com/porttrip/concierge/internal/corpus"
	"github.com/porttrip/concierge/internal/retrieval"
	"github.com/porttrip/concierge/internal/storage"
)

// MCPDeps holds dependencies for the MCP server. Store may be nil; the
// recent-interactions resource then reports an empty list.
type MCPDeps struct {
	Corpus    *corpus.Store
	Store     *storage.Store
	Retriever *retrieval.Retriever
	Gate      *billing.Gate
}

// NewMCPServer creates an MCP server exposing the port knowledge base and
// quota state to local agent tooling.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"porttrip",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("porttrip cruise-port knowledge base: shore time planning, terminal transport, and ticket tips."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_ports",
			mcp.WithDescription("Search the port directory by name fragment."),
			mcp.WithString("query", mcp.Description("Port name fragment, e.g. 'barc'")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchPorts(deps),
	)

	s.AddTool(
		mcp.NewTool("port_context",
			mcp.WithDescription("Retrieve the grounding passages the assistant would use for a query."),
			mcp.WithString("query", mcp.Description("Traveler question"), mcp.Required()),
		),
		mcpPortContext(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_status",
			mcp.WithDescription("Report the monthly usage quota for a subscriber, or the anonymous free tier."),
			mcp.WithString("customer_id", mcp.Description("Stripe customer ID; omit for the free tier")),
		),
		mcpQuotaStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ports://directory",
			"Port Directory",
			mcp.WithResourceDescription("All known cruise ports as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePorts(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"log://recent",
			"Recent Interactions",
			mcp.WithResourceDescription("Last 10 answered questions (queries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchPorts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := req.GetString("query", "")
		limit := req.GetInt("limit", 10)
		if limit <= 0 {
			limit = 10
		}
		if limit > 50 {
			limit = 50
		}

		listings := deps.Corpus.List(query, limit)
		if deps.Store != nil && len(listings) < limit {
			rows, err := deps.Store.SearchPorts(query, limit-len(listings))
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

		b, err := json.Marshal(listings)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPortContext(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		type passage struct {
			Port     string `json:"port"`
			Category string `json:"category"`
			Text     string `json:"text"`
		}
		var out struct {
			PortHint string    `json:"port_hint,omitempty"`
			Passages []passage `json:"passages"`
		}
		out.PortHint = deps.Corpus.InferPortHint(query)
		out.Passages = []passage{}
		for _, sn := range deps.Retriever.Retrieve(ctx, query) {
			out.Passages = append(out.Passages, passage{Port: sn.Port, Category: sn.Category, Text: sn.Text})
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal passages: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQuotaStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := billing.Identity{CustomerID: req.GetString("customer_id", "")}
		if id.CustomerID == "" {
			id.Anon = billing.AnonUsage{Month: billing.MonthKey(time.Now())}
		}

		q, err := deps.Gate.CheckQuota(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("quota check failed: %v", err)), nil
		}
		b, err := json.Marshal(q)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal quota: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourcePorts(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Corpus.List("", 200))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal ports: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type interactionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Query     string `json:"query"`
		}
		summaries := []interactionSummary{}

		if deps.Store != nil {
			interactions, err := deps.Store.ListInteractions(10, 0)
			if err != nil {
				return nil, fmt.Errorf("failed to list interactions: %w", err)
			}
			for _, ix := range interactions {
				query := ix.UserQuery
				if utf8.RuneCountInString(query) > 200 {
					runes := []rune(query)
					query = string(runes[:200]) + "..."
				}
				summaries = append(summaries, interactionSummary{
					ID:        ix.ID,
					CreatedAt: ix.CreatedAt.Format(time.RFC3339),
					Query:     query,
				})
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal interactions: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
