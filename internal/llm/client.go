// Package llm wraps the upstream language-model endpoints. The model is an
// unreliable oracle: every caller must tolerate Unavailable, parse failures,
// and nonsense answers, and carry a non-LLM fallback path.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"polyflux/internal/net/httpx"
)

// ErrUnavailable is returned when no endpoint is configured.
var ErrUnavailable = errors.New("llm: no endpoint configured")

// Client is the language-model collaborator interface.
type Client interface {
	// Available reports whether calls can be attempted at all.
	Available() bool
	// Complete sends a prompt and returns the raw text answer.
	Complete(ctx context.Context, prompt string) (string, error)
	// Embed returns a dense vector for the text.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// HTTPConfig points the client at an OpenAI-compatible endpoint.
type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	EmbedModel string
}

// HTTPClient talks JSON to a chat/embedding endpoint through the shared
// resilient transport, so LLM traffic shares the breaker and rate budget
// accounting with everything else.
type HTTPClient struct {
	cfg  HTTPConfig
	http *httpx.Client
}

// NewHTTPClient builds an HTTP-backed client. A nil transport or empty base
// URL yields a client that reports unavailable.
func NewHTTPClient(cfg HTTPConfig, transport *httpx.Client) *HTTPClient {
	return &HTTPClient{cfg: cfg, http: transport}
}

func (c *HTTPClient) Available() bool {
	return c != nil && c.http != nil && c.cfg.BaseURL != ""
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}
	body, err := json.Marshal(chatRequest{
		Model:    c.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", err
	}
	raw, err := c.post(ctx, c.cfg.BaseURL+"/v1/chat/completions", body)
	if err != nil {
		return "", err
	}
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("llm: decode completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}
	body, err := json.Marshal(embedRequest{Model: c.cfg.EmbedModel, Input: text})
	if err != nil {
		return nil, err
	}
	raw, err := c.post(ctx, c.cfg.BaseURL+"/v1/embeddings", body)
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("llm: decode embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("llm: empty embedding")
	}
	return resp.Data[0].Embedding, nil
}

func (c *HTTPClient) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return c.http.Do(ctx, req, 1)
}

// Disabled is a Client that always reports unavailable. Used when no LLM
// endpoint is configured; every pipeline stage has a non-LLM path.
type Disabled struct{}

func (Disabled) Available() bool { return false }

func (Disabled) Complete(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

func (Disabled) Embed(context.Context, string) ([]float64, error) {
	return nil, ErrUnavailable
}
