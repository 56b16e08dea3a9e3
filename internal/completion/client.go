// Package completion issues chat-completion calls to the external API,
// decoding streamed responses incrementally and supporting per-request
// cancellation.
package completion

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openform/assist/internal/domain"
	"github.com/openform/assist/internal/tokens"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"

	// DefaultTimeout bounds one completion call end to end, including the
	// streamed read.
	DefaultTimeout = 30 * time.Second
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL. Empty keeps the default.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithEnabled sets the AI capability flag. A disabled client rejects every
// call immediately; callers need no special case beyond normal error
// handling.
func WithEnabled(enabled bool) ClientOption {
	return func(c *Client) {
		c.enabled = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client is the streaming completion client. Safe for concurrent use.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	enabled    bool
	logger     *slog.Logger
	estimator  *tokens.Estimator

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewClient creates a completion client for the given model.
func NewClient(apiKey, model string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		timeout:    DefaultTimeout,
		enabled:    true,
		logger:     slog.Default(),
		inflight:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.estimator = tokens.NewEstimator(c.model)
	return c
}

// Enabled reports whether the AI capability is on.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64
	Stream       bool
}

// Generate issues a completion call bound to requestID. When the request
// streams, tokens are accumulated as they arrive; otherwise the single
// response body is decoded. Cancel(requestID) aborts the call mid-flight.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, requestID string) (*domain.GenerateResult, error) {
	if !c.enabled {
		return nil, domain.ErrClientRejected("AI assistance is disabled")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	c.register(requestID, cancel)
	defer c.unregister(requestID)
	defer cancel()

	payload := &ChatCompletionRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
	}
	if req.Temperature > 0 {
		payload.Temperature = &req.Temperature
	}
	if req.Stream {
		payload.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	resp, err := c.post(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, domain.FromStatusCode(resp.StatusCode, parseErrorMessage(body))
	}

	if req.Stream {
		return c.readStream(ctx, resp.Body)
	}
	return c.readSingle(resp.Body)
}

// Cancel aborts the in-flight call registered under requestID, if any.
func (c *Client) Cancel(requestID string) {
	c.mu.Lock()
	cancel, ok := c.inflight[requestID]
	delete(c.inflight, requestID)
	c.mu.Unlock()

	if ok {
		cancel()
	}
}

func (c *Client) register(requestID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight[requestID] = cancel
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, requestID)
}

func (c *Client) post(ctx context.Context, payload *ChatCompletionRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("User-Agent", "assistd/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, c.transportError(ctx, err)
	}
	return resp, nil
}

// transportError distinguishes cancels from timeouts from plain network
// failures so the retrier never retries a user-initiated cancel.
func (c *Client) transportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.ErrCancelled("request cancelled").WithCause(err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.ErrTransient("request timed out", err)
	default:
		return domain.ErrTransient("request failed", err)
	}
}

func (c *Client) readSingle(body io.Reader) (*domain.GenerateResult, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, domain.ErrTransient("failed to read response", err)
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.ErrTransient("failed to decode response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.ErrTransient("response contained no choices", nil)
	}

	result := &domain.GenerateResult{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
	}
	if resp.Usage != nil {
		result.TokensUsed = resp.Usage.CompletionTokens
	} else {
		result.TokensUsed = c.estimate(result.Text)
		result.UsageEstimated = true
	}
	return result, nil
}

// readStream decodes the server-sent event stream line by line. Each event
// carries a `data: ` prefix; a literal [DONE] sentinel or a finish_reason
// of "stop" ends the stream. Malformed individual events are skipped, not
// fatal, to tolerate partial reads at buffer boundaries.
func (c *Client) readStream(ctx context.Context, body io.Reader) (*domain.GenerateResult, error) {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var sb strings.Builder
	var usage *Usage
	finishReason := ""

	for {
		// Observe cancellation before each read.
		select {
		case <-ctx.Done():
			return nil, c.transportError(ctx, ctx.Err())
		default:
		}

		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			finishReason = "stop"
			break
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream chunk", slog.String("error", err.Error()))
			continue
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		sb.WriteString(choice.Delta.Content)
		if choice.FinishReason == "stop" {
			finishReason = "stop"
			break
		}
	}

	if err := scanner.Err(); err != nil && finishReason == "" {
		return nil, c.transportError(ctx, err)
	}

	result := &domain.GenerateResult{
		Text:         sb.String(),
		FinishReason: finishReason,
	}
	if usage != nil {
		result.TokensUsed = usage.CompletionTokens
	} else {
		result.TokensUsed = c.estimate(result.Text)
		result.UsageEstimated = true
	}
	return result, nil
}

func (c *Client) estimate(text string) int {
	if c.estimator != nil {
		return c.estimator.Estimate(text)
	}
	return tokens.Approximate(text)
}
