// Package llmclient defines the synchronous LLM adapter used by the
// channel-observer judge and the observation pipeline's optional stages.
// The concrete provider is out of scope for this core (spec.md §6); this
// package supplies the interface plus a thin HTTP-based implementation
// generalized from the teacher's provider clients.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loopwire/conductor/internal/tracing"
)

// Client is a synchronous completion function: (system_prompt, user_prompt)
// -> completion_text. Used by ObservationPipeline's optional stages and the
// ChannelObserver judge.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPClient is a minimal OpenAI/Anthropic-style chat-completion client,
// generalized from the teacher's per-provider HTTP clients (request shape
// simplified to the single system+user exchange every caller in this
// system needs — no streaming, no tool calls).
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewHTTPClient creates an HTTPClient against baseURL using model, attaching
// apiKey as a bearer token.
func NewHTTPClient(baseURL, apiKey, model string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
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

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, span := tracing.StartLLMSpan(ctx, "conductor-http", c.model)
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	out, err := c.complete(ctx, systemPrompt, userPrompt)
	spanErr = err
	return out, err
}

func (c *HTTPClient) complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrAuth
	}
	if resp.StatusCode >= 500 {
		return "", ErrNetwork
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrUsageLimit
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmclient: unexpected status %d", resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("llmclient: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	return out.Choices[0].Message.Content, nil
}
