// Package reasoning turns signals into diagnosed issues with the help of a hosted language model.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"google.golang.org/genai"
)

// ErrEmptyResponse is returned when a model answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Completer sends one system prompt and one user prompt and returns the model's text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
	Name() string
}

const (
	maxOutputTokens = 4096
	temperature     = 0.2
)

// GeminiCompleter calls the Gemini API. The client is created on first use because
// construction needs a context.
type GeminiCompleter struct {
	apiKey  string
	model   string
	baseURL string

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiCompleter creates a completer for model.
func NewGeminiCompleter(apiKey, model string) *GeminiCompleter {
	return &GeminiCompleter{apiKey: apiKey, model: model}
}

// WithBaseURL points the completer at a different API root.
func (g *GeminiCompleter) WithBaseURL(baseURL string) *GeminiCompleter {
	g.baseURL = baseURL
	return g
}

// Name returns the provider and model.
func (g *GeminiCompleter) Name() string {
	return "gemini/" + g.model
}

func (g *GeminiCompleter) getClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

// Complete asks Gemini for a JSON answer.
func (g *GeminiCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return "", err
	}

	temp := float32(temperature)
	config := &genai.GenerateContentConfig{
		Temperature:      &temp,
		MaxOutputTokens:  maxOutputTokens,
		ResponseMIMEType: "application/json",
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: system}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("gemini API call failed: %w", err)
	}
	if result == nil {
		return "", ErrEmptyResponse
	}
	text := result.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// ClaudeCompleter calls the Anthropic Messages API.
type ClaudeCompleter struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeCompleter creates a completer for model. Extra options are passed to the SDK client.
func NewClaudeCompleter(apiKey, model string, opts ...option.RequestOption) *ClaudeCompleter {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &ClaudeCompleter{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// Name returns the provider and model.
func (c *ClaudeCompleter) Name() string {
	return "claude/" + string(c.model)
}

// Complete sends one user turn and concatenates the text blocks of the reply.
func (c *ClaudeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   maxOutputTokens,
		Temperature: anthropic.Float(temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: system,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("claude API call failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", ErrEmptyResponse
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}
