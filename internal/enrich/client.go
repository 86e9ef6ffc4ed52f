// Package enrich normalizes free text through an LLM completion backend that
// answers every prompt with a single JSON object.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"

	"github.com/nekoteam-llc/nekoparser/internal/crawler"
)

// ErrMalformedResponse reports a backend answer that is not the expected
// JSON object.
var ErrMalformedResponse = errors.New("malformed enrichment response")

const defaultTemperature = 0.1

// Request is one prompt/response exchange.
type Request struct {
	APIKey      string
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Completer sends a request and returns the raw content of the first choice.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config tunes the client.
type Config struct {
	// MaxInputChars clips user payloads to the first splitter chunk of this
	// size. Zero disables clipping.
	MaxInputChars int
	MaxTokens     int
}

// Client implements the description, keyword and property calls.
type Client struct {
	backend  Completer
	splitter textsplitter.TextSplitter
	cfg      Config
	logger   *zap.Logger
}

// New builds a Client.
func New(backend Completer, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 3000
	}
	c := &Client{backend: backend, cfg: cfg, logger: logger}
	if cfg.MaxInputChars > 0 {
		c.splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.MaxInputChars),
			textsplitter.WithChunkOverlap(0),
		)
	}
	return c
}

// NormalizeDescription returns the "text" field of the backend answer.
func (c *Client) NormalizeDescription(ctx context.Context, cfg crawler.GlobalConfig, text string) (string, error) {
	var out struct {
		Text *string `json:"text"`
	}
	raw, err := c.call(ctx, cfg, cfg.DescriptionPrompt, text, &out)
	if err != nil {
		return "", err
	}
	if out.Text == nil {
		return "", c.missingField(cfg, raw, "text")
	}
	return *out.Text, nil
}

// ExtractKeywords returns the "keywords" list of the backend answer.
func (c *Client) ExtractKeywords(ctx context.Context, cfg crawler.GlobalConfig, text string) ([]string, error) {
	var out struct {
		Keywords *[]string `json:"keywords"`
	}
	raw, err := c.call(ctx, cfg, cfg.KeywordsPrompt, text, &out)
	if err != nil {
		return nil, err
	}
	if out.Keywords == nil {
		return nil, c.missingField(cfg, raw, "keywords")
	}
	return *out.Keywords, nil
}

// ExtractProperties returns the whole backend answer as the property map.
func (c *Client) ExtractProperties(ctx context.Context, cfg crawler.GlobalConfig, text string) (map[string]any, error) {
	var out map[string]any
	raw, err := c.call(ctx, cfg, cfg.PropertiesPrompt, text, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, c.missingField(cfg, raw, "properties")
	}
	return out, nil
}

// call decodes the backend answer into out and returns the raw content.
func (c *Client) call(ctx context.Context, cfg crawler.GlobalConfig, system, user string, out any) (string, error) {
	raw, err := c.backend.Complete(ctx, Request{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		System:      system,
		User:        c.clip(user),
		Temperature: defaultTemperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("enrichment call: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		c.logger.Warn("enrichment response is not a JSON object",
			zap.String("model", cfg.Model),
			zap.String("raw", raw),
			zap.Error(err),
		)
		return raw, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return raw, nil
}

func (c *Client) missingField(cfg crawler.GlobalConfig, raw, field string) error {
	c.logger.Warn("enrichment response lacks the expected field",
		zap.String("model", cfg.Model),
		zap.String("field", field),
		zap.String("raw", raw),
	)
	return fmt.Errorf("%w: missing %s field", ErrMalformedResponse, field)
}

func (c *Client) clip(text string) string {
	if c.splitter == nil || len([]rune(text)) <= c.cfg.MaxInputChars {
		return text
	}
	parts, err := c.splitter.SplitText(text)
	if err != nil || len(parts) == 0 {
		return string([]rune(text)[:c.cfg.MaxInputChars])
	}
	return parts[0]
}
