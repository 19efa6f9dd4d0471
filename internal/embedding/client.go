// Package embedding wraps an external embedding provider behind a single call:
// text in, fixed-length vector out.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBodySize = 8 << 20 // 8 MB

// ErrEmptyInput is returned for blank text.
var ErrEmptyInput = errors.New("embedding: empty input")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Client calls an OpenAI-compatible /v1/embeddings endpoint.
type Client struct {
	baseURL   string
	model     string
	apiKey    string
	dimension int
	client    *http.Client
}

// NewClient creates an embedding client. dimension, when positive, is enforced on every response.
func NewClient(baseURL, model, apiKey string, dimension int) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		apiKey:    apiKey,
		dimension: dimension,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns the embedding for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading embedding response: %w", err)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decoding embedding response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode/100 != 2 {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, msg)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vectors")
	}

	vec := parsed.Data[0].Embedding
	if c.dimension > 0 && len(vec) != c.dimension {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(vec), c.dimension)
	}
	return vec, nil
}

// Func adapts a plain function to the Embedder interface.
type Func func(ctx context.Context, text string) ([]float32, error)

// Embed calls f.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}
