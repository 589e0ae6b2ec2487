// Package provider sends completion requests to an OpenAI-compatible LLM
// provider and consumes chunked streaming responses with cancellation.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Message is a single chat turn as the provider wire format expects it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request holds the caller-controlled parts of a completion request.
type Request struct {
	Messages    []Message
	Stream      bool
	Temperature float64
	MaxTokens   int
}

// Client talks to a single provider endpoint.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// Opts holds parameters for creating a Client.
type Opts struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client // optional; defaults to a client with no timeout so streams run until cancelled
}

// NewClient creates a provider Client.
func NewClient(opts Opts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("provider: base URL is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("provider: model is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client timeout: streams terminate via context cancellation or
		// the transport's own connection closure.
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		model:   opts.Model,
		http:    httpClient,
	}, nil
}

// chatRequest is the provider wire request.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

// chatResponse is the provider wire response for non-streaming requests.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a non-streaming completion request and returns the full
// response content.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	req.Stream = false
	resp, err := c.send(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("provider: read response: %w", err)
	}
	if !success(resp.StatusCode) {
		return "", &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return "", fmt.Errorf("provider: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("provider: response has no choices")
	}
	return cr.Choices[0].Message.Content, nil
}

// Stream sends a streaming completion request. Each content delta is
// passed to onDelta before the next read; the full accumulated content is
// returned. Cancellation through ctx closes the underlying request; the
// partial content is still returned alongside the context error.
// A non-success response that is not an event stream fails with
// UpstreamError before any streaming begins. A stream that errors after
// emitting at least one byte returns the partial content with
// ErrInterrupted; zero bytes plus a non-success status is an UpstreamError.
func (c *Client) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (string, error) {
	req.Stream = true
	resp, err := c.send(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	defer resp.Body.Close()

	if !isEventStream(resp.Header.Get("Content-Type")) {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return "", fmt.Errorf("provider: read response: %w", readErr)
		}
		if !success(resp.StatusCode) {
			return "", &UpstreamError{Status: resp.StatusCode, Body: string(body)}
		}
		// Providers may answer a stream request with a single JSON object.
		var cr chatResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			return "", fmt.Errorf("provider: decode response: %w", err)
		}
		if len(cr.Choices) == 0 {
			return "", fmt.Errorf("provider: response has no choices")
		}
		content := cr.Choices[0].Message.Content
		if onDelta != nil {
			onDelta(content, content)
		}
		return content, nil
	}

	content, err := ConsumeStream(ctx, resp.Body, onDelta)
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return content, err
	case err != nil && content != "":
		return content, ErrInterrupted
	case err != nil:
		if !success(resp.StatusCode) {
			return "", &UpstreamError{Status: resp.StatusCode}
		}
		return "", fmt.Errorf("provider: read stream: %w", err)
	case content == "" && !success(resp.StatusCode):
		return "", &UpstreamError{Status: resp.StatusCode}
	}
	return content, nil
}

// send issues the POST request for a completion.
func (c *Client) send(ctx context.Context, req Request) (*http.Response, error) {
	payload := chatRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Stream:      req.Stream,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("provider: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("provider: new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider: send request: %w", err)
	}
	return resp, nil
}

// success reports whether an HTTP status code is in the 2xx range.
func success(status int) bool {
	return status >= 200 && status < 300
}
