// Package llm wraps the OpenAI API behind the small surface the rest of the
// server needs: one-shot chat, streamed chat, and batch embeddings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// answerTemperature keeps answers grounded without reading like a timetable.
const answerTemperature = 0.6

// Client talks to OpenAI for chat completions and embeddings.
type Client struct {
	api        *openai.Client
	model      string
	embedModel string
}

// NewClient creates a Client for the given chat and embedding models.
func NewClient(apiKey, model, embedModel string) *Client {
	return &Client{
		api:        openai.NewClient(apiKey),
		model:      model,
		embedModel: embedModel,
	}
}

// NewClientWithBaseURL creates a Client pointing at a custom endpoint (for
// testing against a fake provider).
func NewClientWithBaseURL(apiKey, model, embedModel, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &Client{
		api:        openai.NewClientWithConfig(cfg),
		model:      model,
		embedModel: embedModel,
	}
}

// Complete sends the message list and returns the full answer text.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAI(messages),
		Temperature: answerTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends the message list and invokes emit once per content delta.
// It returns the concatenated answer. An upstream failure after the first
// delta is returned alongside the partial text already emitted.
func (c *Client) Stream(ctx context.Context, messages []Message, emit func(delta string) error) (string, error) {
	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAI(messages),
		Temperature: answerTemperature,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("opening chat stream: %w", err)
	}
	defer stream.Close()

	var full []byte
	for {
		part, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return string(full), nil
		}
		if err != nil {
			return string(full), fmt.Errorf("reading chat stream: %w", err)
		}
		if len(part.Choices) == 0 {
			continue
		}
		delta := part.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full = append(full, delta...)
		if err := emit(delta); err != nil {
			return string(full), fmt.Errorf("forwarding delta: %w", err)
		}
	}
}

// Embed returns one vector per input text, in matching order, from a single
// batched request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.embedModel),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func toOpenAI(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}
