// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultBaseURL is the OpenRouter-compatible gateway endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout bounds non-streaming requests. Streaming requests are
	// bounded by the caller's context instead.
	DefaultTimeout = 60 * time.Second

	// defaultMaxRetries is the number of attempts for transient start-up
	// failures (rate limits, 5xx) before giving up on a stream.
	defaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay caps the backoff delay.
	retryMaxDelay = 10 * time.Second

	// maxErrorBodySize limits how much of an error response is read.
	maxErrorBodySize = 1 * 1024 * 1024
)

// sharedStreamingClient is used for all streaming requests. No client
// timeout: lifetime is controlled by the request context. Connection
// pooling keeps per-request TCP/TLS overhead down when the council fans
// out to many models at once.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// ============================================================================
// WIRE TYPES
// ============================================================================

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Stream        bool           `json:"stream"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// streamChunk is one SSE data payload from the chat completions stream.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ============================================================================
// HTTP ADAPTER
// ============================================================================

// HTTPAdapter speaks the OpenRouter-compatible chat completions protocol.
// One adapter instance serves every model the gateway exposes, so it is
// normally installed as the registry default.
type HTTPAdapter struct {
	apiKey     string
	baseURL    string
	maxRetries int
	appName    string
}

// NewHTTPAdapter returns an adapter for the given API key. An empty key is
// allowed at construction time; GenerateStream then fails with
// ErrNotConfigured.
func NewHTTPAdapter(apiKey string) *HTTPAdapter {
	return &HTTPAdapter{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    DefaultBaseURL,
		maxRetries: defaultMaxRetries,
		appName:    "relay",
	}
}

// WithBaseURL points the adapter at a different gateway, used by tests and
// self-hosted deployments.
func (a *HTTPAdapter) WithBaseURL(url string) *HTTPAdapter {
	a.baseURL = strings.TrimSuffix(url, "/")
	return a
}

// WithMaxRetries overrides the transient-failure retry budget.
func (a *HTTPAdapter) WithMaxRetries(n int) *HTTPAdapter {
	a.maxRetries = n
	return a
}

// IsConfigured reports whether an API key is present.
func (a *HTTPAdapter) IsConfigured() bool {
	return a.apiKey != ""
}

// GenerateStream implements Adapter.
func (a *HTTPAdapter) GenerateStream(ctx context.Context, prompt string, opts Options) (Stream, error) {
	if !a.IsConfigured() {
		return nil, &Error{Model: opts.PreferredModel, Err: ErrNotConfigured}
	}
	if opts.PreferredModel == "" {
		return nil, &Error{Err: fmt.Errorf("no model specified")}
	}

	messages := make([]chatMessage, 0, 2)
	if opts.RolePrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: opts.RolePrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:         opts.PreferredModel,
		Messages:      messages,
		Stream:        true,
		MaxTokens:     opts.MaxTokens,
		StreamOptions: &streamOptions{IncludeUsage: true},
	})
	if err != nil {
		return nil, &Error{Model: opts.PreferredModel, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &Error{Model: opts.PreferredModel, Err: ctx.Err()}
			case <-time.After(backoffDelay(attempt)):
			}
		}

		resp, err := a.start(ctx, body)
		if err == nil {
			return &httpStream{
				model:  opts.PreferredModel,
				prompt: prompt,
				body:   resp.Body,
				sse:    newSSEReader(resp.Body),
			}, nil
		}

		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// start performs one POST to the chat completions endpoint.
func (a *HTTPAdapter) start(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}

	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", a.appName)

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, a.errorFor(resp.StatusCode, errBody)
	}
	return resp, nil
}

// errorFor maps an HTTP error response to a typed provider Error.
func (a *HTTPAdapter) errorFor(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}

	var cause error
	switch status {
	case http.StatusUnauthorized:
		cause = fmt.Errorf("%w: %s", ErrAuthFailed, msg)
	case http.StatusTooManyRequests:
		cause = fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		cause = errors.New(msg)
	}
	return &Error{Status: status, Err: cause}
}

// isRetryable reports whether a stream start failure is worth retrying.
// Rate limits and 5xx responses are; auth failures and context
// cancellation are not.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status >= 500 && pe.Status < 600
	}
	return false
}

// backoffDelay returns the exponential backoff delay for the given attempt.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// ============================================================================
// HTTP STREAM
// ============================================================================

// httpStream adapts an SSE response body to the Stream interface.
type httpStream struct {
	model  string
	prompt string
	body   io.ReadCloser
	sse    *sseReader

	output strings.Builder
	usage  Usage
	sawEnd bool
	closed bool
}

// Recv implements Stream.
func (s *httpStream) Recv() (string, error) {
	for {
		data, err := s.sse.readEvent()
		if err != nil {
			if err == io.EOF {
				if !s.sawEnd {
					// Connection dropped before the [DONE] marker.
					return "", &Error{Model: s.model, Err: ErrMalformedStream}
				}
				s.finishUsage()
				return "", io.EOF
			}
			return "", &Error{Model: s.model, Err: err}
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			s.sawEnd = true
			s.finishUsage()
			return "", io.EOF
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return "", &Error{Model: s.model, Err: fmt.Errorf("%w: %v", ErrMalformedStream, err)}
		}

		if chunk.Usage != nil {
			s.usage = Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) > 0 {
			if fr := chunk.Choices[0].FinishReason; fr != "" {
				s.sawEnd = true
			}
			if content := chunk.Choices[0].Delta.Content; content != "" {
				s.output.WriteString(content)
				return content, nil
			}
		}
		// Keep reading: usage-only and ping events carry no content.
	}
}

// finishUsage falls back to character-length estimation when the vendor
// never reported usage.
func (s *httpStream) finishUsage() {
	if s.usage.Total() == 0 {
		s.usage = EstimateUsage(s.prompt, s.output.String())
	}
}

// Usage implements Stream.
func (s *httpStream) Usage() Usage {
	return s.usage
}

// Close implements Stream.
func (s *httpStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
