// Package provider invokes LLM provider APIs (OpenAI, Anthropic, Google
// Gemini) with a single prompt and reports the completion text and token
// usage. API keys are held in memory only.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/governor/pkg/models"
)

const (
	defaultMaxResponseBodySize = 10 << 20 // 10 MB
	defaultMaxOutputTokens     = 1024
	anthropicVersion           = "2023-06-01"
)

// ErrResponseTooLarge is returned when a provider response exceeds the read limit.
var ErrResponseTooLarge = errors.New("provider: response too large")

// defaultBaseURLs maps providers to their API base URLs.
var defaultBaseURLs = map[models.LLMProvider]string{
	models.ProviderOpenAI:    "https://api.openai.com",
	models.ProviderAnthropic: "https://api.anthropic.com",
	models.ProviderGemini:    "https://generativelanguage.googleapis.com",
}

// Completion is the result of one model call.
type Completion struct {
	Text         string             `json:"text"`
	Model        string             `json:"model"`
	Provider     models.LLMProvider `json:"provider"`
	TokensInput  int                `json:"tokens_input"`
	TokensOutput int                `json:"tokens_output"`
	LatencyMs    int64              `json:"latency_ms"`
}

// Invoker runs a prompt against a model.
type Invoker interface {
	Invoke(ctx context.Context, model, prompt string) (Completion, error)
}

// Keys holds provider credentials.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
}

// Client calls provider HTTP APIs directly.
type Client struct {
	keys                Keys
	baseURLs            map[models.LLMProvider]string
	client              *http.Client
	maxResponseBodySize int64
	maxOutputTokens     int
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points a provider at a different host, e.g. a gateway or test server.
func WithBaseURL(p models.LLMProvider, base string) Option {
	return func(c *Client) { c.baseURLs[p] = strings.TrimRight(base, "/") }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithMaxOutputTokens caps completion length where the provider requires it.
func WithMaxOutputTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxOutputTokens = n
		}
	}
}

// NewClient creates a Client.
func NewClient(keys Keys, opts ...Option) *Client {
	c := &Client{
		keys:     keys,
		baseURLs: make(map[models.LLMProvider]string, len(defaultBaseURLs)),
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		maxResponseBodySize: defaultMaxResponseBodySize,
		maxOutputTokens:     defaultMaxOutputTokens,
	}
	for p, u := range defaultBaseURLs {
		c.baseURLs[p] = u
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Invoke sends prompt to model and returns the completion. Non-2xx responses
// are returned as errors.
func (c *Client) Invoke(ctx context.Context, model, prompt string) (Completion, error) {
	start := time.Now()
	provider := models.ProviderForModel(model)

	endpoint, body, err := c.buildRequest(provider, model, prompt)
	if err != nil {
		return Completion{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("creating %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setProviderAuth(req, provider)

	resp, err := c.client.Do(req)
	if err != nil {
		return Completion{}, fmt.Errorf("%s request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	// Read limit+1 bytes so we can distinguish "exactly at limit" from "over limit".
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxResponseBodySize+1))
	if err != nil {
		return Completion{}, fmt.Errorf("reading %s response: %w", provider, err)
	}
	if int64(len(respBody)) > c.maxResponseBodySize {
		return Completion{}, ErrResponseTooLarge
	}
	if resp.StatusCode/100 != 2 {
		return Completion{}, fmt.Errorf("%s returned %d: %s", provider, resp.StatusCode, extractErrorMessage(respBody, resp.StatusCode))
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Completion{}, fmt.Errorf("decoding %s response: %w", provider, err)
	}

	in, out := extractTokenUsage(parsed, provider)
	return Completion{
		Text:         extractText(parsed, provider),
		Model:        model,
		Provider:     provider,
		TokensInput:  int(in),
		TokensOutput: int(out),
		LatencyMs:    time.Since(start).Milliseconds(),
	}, nil
}

// buildRequest returns the endpoint and JSON body for a single-turn prompt.
func (c *Client) buildRequest(provider models.LLMProvider, model, prompt string) (string, []byte, error) {
	base := c.baseURLs[provider]
	var (
		endpoint string
		payload  interface{}
	)
	switch provider {
	case models.ProviderAnthropic:
		endpoint = base + "/v1/messages"
		payload = map[string]interface{}{
			"model":      model,
			"max_tokens": c.maxOutputTokens,
			"messages":   []map[string]string{{"role": "user", "content": prompt}},
		}
	case models.ProviderGemini:
		endpoint = base + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
		payload = map[string]interface{}{
			"contents": []map[string]interface{}{
				{"role": "user", "parts": []map[string]string{{"text": prompt}}},
			},
		}
	default:
		endpoint = base + "/v1/chat/completions"
		payload = map[string]interface{}{
			"model":    model,
			"messages": []map[string]string{{"role": "user", "content": prompt}},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encoding %s request: %w", provider, err)
	}
	return endpoint, body, nil
}

// setProviderAuth sets the appropriate authentication header for each provider.
func (c *Client) setProviderAuth(req *http.Request, provider models.LLMProvider) {
	switch provider {
	case models.ProviderOpenAI:
		if c.keys.OpenAI != "" {
			req.Header.Set("Authorization", "Bearer "+c.keys.OpenAI)
		}
	case models.ProviderAnthropic:
		if c.keys.Anthropic != "" {
			req.Header.Set("X-API-Key", c.keys.Anthropic)
		}
		req.Header.Set("anthropic-version", anthropicVersion)
	case models.ProviderGemini:
		if c.keys.Gemini != "" {
			req.Header.Set("X-Goog-Api-Key", c.keys.Gemini)
		}
	}
}

// extractText pulls the completion text out of a provider response.
func extractText(data map[string]interface{}, provider models.LLMProvider) string {
	switch provider {
	case models.ProviderAnthropic:
		blocks, _ := data["content"].([]interface{})
		var sb strings.Builder
		for _, b := range blocks {
			block, ok := b.(map[string]interface{})
			if !ok || block["type"] != "text" {
				continue
			}
			if s, ok := block["text"].(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	case models.ProviderGemini:
		candidates, _ := data["candidates"].([]interface{})
		if len(candidates) == 0 {
			return ""
		}
		first, _ := candidates[0].(map[string]interface{})
		content, _ := first["content"].(map[string]interface{})
		parts, _ := content["parts"].([]interface{})
		var sb strings.Builder
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if s, ok := part["text"].(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	default:
		choices, _ := data["choices"].([]interface{})
		if len(choices) == 0 {
			return ""
		}
		first, _ := choices[0].(map[string]interface{})
		msg, _ := first["message"].(map[string]interface{})
		s, _ := msg["content"].(string)
		return s
	}
}

// extractTokenUsage pulls input/output token counts from the provider response.
func extractTokenUsage(data map[string]interface{}, provider models.LLMProvider) (int64, int64) {
	switch provider {
	case models.ProviderOpenAI:
		usage, ok := data["usage"].(map[string]interface{})
		if !ok {
			return 0, 0
		}
		return int64(toFloat(usage["prompt_tokens"])), int64(toFloat(usage["completion_tokens"]))
	case models.ProviderAnthropic:
		usage, ok := data["usage"].(map[string]interface{})
		if !ok {
			return 0, 0
		}
		return int64(toFloat(usage["input_tokens"])), int64(toFloat(usage["output_tokens"]))
	case models.ProviderGemini:
		meta, ok := data["usageMetadata"].(map[string]interface{})
		if !ok {
			return 0, 0
		}
		return int64(toFloat(meta["promptTokenCount"])), int64(toFloat(meta["candidatesTokenCount"]))
	}
	return 0, 0
}

// extractErrorMessage returns the provider's error message, or the status text.
func extractErrorMessage(body []byte, status int) string {
	var parsed struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(parsed.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
		var s string
		if err := json.Unmarshal(parsed.Error, &s); err == nil && s != "" {
			return s
		}
	}
	return http.StatusText(status)
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
