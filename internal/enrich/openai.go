package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIBackend talks to any OpenAI-compatible chat completions endpoint in
// JSON response mode. Clients are cached per (key, model) since both come
// from the per-pass config snapshot.
type OpenAIBackend struct {
	baseURL    string
	fallback   string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[[2]string]*openai.LLM
}

// NewOpenAIBackend builds a backend. fallbackKey is used when a request has
// no key of its own; baseURL may be empty for the public API.
func NewOpenAIBackend(baseURL, fallbackKey string, httpClient *http.Client) *OpenAIBackend {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAIBackend{
		baseURL:    baseURL,
		fallback:   fallbackKey,
		httpClient: httpClient,
		clients:    make(map[[2]string]*openai.LLM),
	}
}

// Complete implements Completer.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	llm, err := b.client(req.APIKey, req.Model)
	if err != nil {
		return "", err
	}
	resp, err := llm.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, req.System),
			llms.TextParts(llms.ChatMessageTypeHuman, req.User),
		},
		llms.WithTemperature(req.Temperature),
		llms.WithMaxTokens(req.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in completion")
	}
	return resp.Choices[0].Content, nil
}

func (b *OpenAIBackend) client(key, model string) (*openai.LLM, error) {
	if key == "" {
		key = b.fallback
	}
	if key == "" {
		return nil, errors.New("no enrichment api key configured")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := [2]string{key, model}
	if llm, ok := b.clients[id]; ok {
		return llm, nil
	}
	opts := []openai.Option{
		openai.WithToken(key),
		openai.WithModel(model),
		openai.WithResponseFormat(openai.ResponseFormatJSON),
		openai.WithHTTPClient(b.httpClient),
	}
	if b.baseURL != "" {
		opts = append(opts, openai.WithBaseURL(b.baseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("build openai client: %w", err)
	}
	b.clients[id] = llm
	return llm, nil
}
