// Package gateway provides the client for the hosted chat-completion API used
// for all text and vision generation. It supports buffered and streamed
// consumption, normalizing both into a content string plus finish reason.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultIdleTimeout = 30 * time.Second
)

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithModel sets the model requested on every call.
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// WithFallbackModel sets a model tried once when the primary model is not
// available upstream (HTTP 404).
func WithFallbackModel(model string) Option {
	return func(c *Client) {
		c.fallbackModel = model
	}
}

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithIdleTimeout sets the streaming idle-read timeout: the stream is
// abandoned when no bytes arrive for this long.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.idleTimeout = d
	}
}

// Client calls the OpenAI-compatible /chat/completions endpoint.
type Client struct {
	apiKey        string
	baseURL       string
	model         string
	fallbackModel string
	httpClient    *http.Client
	retry         RetryPolicy
	idleTimeout   time.Duration
}

// NewClient creates a gateway client. Credentials arrive through the
// constructor; the client never reads ambient process environment.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		model:       defaultModel,
		httpClient:  http.DefaultClient,
		retry:       DefaultRetryPolicy,
		idleTimeout: defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request is one immutable round trip to the gateway.
type Request struct {
	SystemPrompt string
	Messages     []domain.Message
	MaxTokens    int
	Temperature  float32
}

// Response is the normalized outcome of either consumption mode. A finish
// reason of length/max_tokens is a first-class truncation signal, not an
// error.
type Response struct {
	Content      string
	FinishReason domain.FinishReason
	Usage        Usage
}

// Usage is the token accounting reported by the gateway, when available.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Complete sends a buffered chat completion and returns the normalized
// response. Transient 5xx failures are retried with exponential backoff;
// 429 and 402 propagate immediately as typed errors.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	err := c.retry.Do(ctx, func() error {
		var callErr error
		resp, callErr = c.completeOnce(ctx, req, c.model)
		return callErr
	})
	if err != nil && c.fallbackModel != "" && isModelUnavailable(err) {
		resp, err = c.completeOnce(ctx, req, c.fallbackModel)
	}
	return resp, err
}

func (c *Client) completeOnce(ctx context.Context, req Request, model string) (*Response, error) {
	body := chatRequest{
		Model:       model,
		Messages:    encodeMessages(req.SystemPrompt, req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: &req.Temperature,
	}

	httpResp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(httpResp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, emptyResponseError()
	}

	choice := parsed.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: domain.NormalizeFinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

// CompleteStream sends a streaming chat completion and accumulates the
// incremental deltas into one normalized response. The stream is consumed
// until it naturally ends: stopping at any fixed delta count would make a
// truncated network read indistinguishable from a truncated model response.
// Transient failures opening the stream are retried the same way Complete
// retries, and an unavailable primary model falls back once; a failure after
// deltas start arriving is never retried.
func (c *Client) CompleteStream(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.streamOnce(ctx, req, c.model)
	if err != nil && c.fallbackModel != "" && isModelUnavailable(err) {
		resp, err = c.streamOnce(ctx, req, c.fallbackModel)
	}
	return resp, err
}

func (c *Client) streamOnce(ctx context.Context, req Request, model string) (*Response, error) {
	body := chatRequest{
		Model:         model,
		Messages:      encodeMessages(req.SystemPrompt, req.Messages),
		MaxTokens:     req.MaxTokens,
		Temperature:   &req.Temperature,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}

	// The watchdog cancels the in-flight read when the upstream stalls.
	// Inbound client disconnect propagates through the same context.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// No delta has been consumed before openStream returns, so retrying the
	// request/status phase cannot duplicate output.
	var httpResp *http.Response
	err := c.retry.Do(ctx, func() error {
		var openErr error
		httpResp, openErr = c.openStream(ctx, body)
		return openErr
	})
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	watchdog := time.AfterFunc(c.idleTimeout, cancel)
	defer watchdog.Stop()

	var content strings.Builder
	finish := domain.FinishReasonUnknown

	scanner := bufio.NewScanner(httpResp.Body)
	// Allow for large individual chunks
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		watchdog.Reset(c.idleTimeout)

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		content.WriteString(choice.Delta.Content)
		if choice.FinishReason != "" {
			finish = domain.NormalizeFinishReason(choice.FinishReason)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrGateway(http.StatusGatewayTimeout, "model stream stalled").
				WithDetail(fmt.Sprintf("stream read: %v", err))
		}
		return nil, fmt.Errorf("stream read error: %w", err)
	}

	// Zero accumulated content is a distinct failure from a truncated one.
	if content.Len() == 0 {
		return nil, emptyResponseError()
	}

	return &Response{Content: content.String(), FinishReason: finish}, nil
}

// openStream posts the streaming request and verifies the response status,
// returning the body ready for SSE consumption.
func (c *Client) openStream(ctx context.Context, body chatRequest) (*http.Response, error) {
	httpResp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		return nil, statusError(httpResp.StatusCode, respBody)
	}
	return httpResp, nil
}

func (c *Client) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrGateway(http.StatusBadGateway, "failed to reach model gateway").
			WithDetail(err.Error())
	}
	return resp, nil
}

// statusError maps an upstream status onto the canonical taxonomy. The
// upstream body lands in Detail for server-side logs only.
func statusError(status int, body []byte) error {
	detail := fmt.Sprintf("upstream status %d: %s", status, truncateBody(body))
	switch status {
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited("model gateway rate limit reached").WithDetail(detail)
	case http.StatusPaymentRequired:
		return domain.ErrQuotaExceeded("model gateway quota exhausted").WithDetail(detail)
	default:
		return domain.ErrGateway(status, "model gateway request failed").WithDetail(detail)
	}
}

func emptyResponseError() error {
	return domain.NewAPIError(domain.ErrorTypeGateway, "model returned an empty response").
		WithCode(domain.ErrorCodeEmptyResponse)
}

func isModelUnavailable(err error) bool {
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Type == domain.ErrorTypeGateway && apiErr.StatusCode == http.StatusNotFound
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
