// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the uniform boundary between the routing core
// and vendor LLM integrations.
//
// Every vendor adapter exposes the same capability: given a prompt and
// options, stream text chunks and report token usage once the stream ends
// cleanly. Streams are finite and restartable only by re-invoking the
// adapter; a terminal error is always distinguishable from a clean
// end-of-stream (io.EOF).
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrNotConfigured indicates the adapter has no API key.
	ErrNotConfigured = errors.New("provider API key not configured")

	// ErrAuthFailed indicates the vendor rejected the credentials.
	ErrAuthFailed = errors.New("provider authentication failed")

	// ErrRateLimited indicates the vendor throttled the request.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrMalformedStream indicates the vendor stream could not be parsed.
	ErrMalformedStream = errors.New("malformed provider stream")

	// ErrUnknownModel indicates no adapter is registered for the model.
	ErrUnknownModel = errors.New("unknown model")
)

// Error is a per-attempt provider failure. It wraps one of the sentinel
// errors above (or a transport error) and names the model that failed.
type Error struct {
	Model  string
	Status int // HTTP status, 0 for transport-level failures
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s failed (HTTP %d): %v", e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("provider %s failed: %v", e.Model, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ============================================================================
// ADAPTER BOUNDARY
// ============================================================================

// Usage reports token consumption for one completed stream.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	// Estimated is true when the vendor did not report usage and the
	// counts were approximated from character length.
	Estimated bool `json:"estimated,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Options tunes one generation request.
type Options struct {
	// PreferredModel is the model the caller wants. Adapters that serve a
	// single vendor map it to their own identifier.
	PreferredModel string
	// RolePrompt is an optional system prompt prepended to the request.
	RolePrompt string
	// MaxTokens caps the response length (0 = vendor default).
	MaxTokens int
}

// Stream is a finite sequence of text chunks from one generation.
type Stream interface {
	// Recv returns the next text chunk. It returns io.EOF on a clean end
	// of stream and any other error on terminal failure.
	Recv() (string, error)

	// Usage reports token counts. Valid after Recv has returned io.EOF;
	// before that it returns the best counts seen so far.
	Usage() Usage

	// Close releases the underlying connection. Safe to call twice.
	Close() error
}

// Adapter is one vendor integration.
type Adapter interface {
	// GenerateStream starts a completion. The returned stream is owned by
	// the caller and must be closed. Cancelling ctx cancels the stream.
	GenerateStream(ctx context.Context, prompt string, opts Options) (Stream, error)
}

// ============================================================================
// REGISTRY
// ============================================================================

// Registry maps model identifiers to adapters. A vendor prefix
// ("anthropic/", "openai/", ...) or an exact model ID may be registered;
// exact matches win. A default adapter, when set, serves everything else.
type Registry struct {
	mu        sync.RWMutex
	exact     map[string]Adapter
	byPrefix  map[string]Adapter
	defaulted Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		exact:    make(map[string]Adapter),
		byPrefix: make(map[string]Adapter),
	}
}

// Register binds an exact model ID to an adapter.
func (r *Registry) Register(model string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[model] = a
}

// RegisterPrefix binds a vendor prefix (up to and including the slash) to
// an adapter.
func (r *Registry) RegisterPrefix(prefix string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byPrefix[prefix] = a
}

// SetDefault sets the adapter used when no exact or prefix match exists.
func (r *Registry) SetDefault(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaulted = a
}

// Resolve returns the adapter serving the given model.
func (r *Registry) Resolve(model string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.exact[model]; ok {
		return a, nil
	}
	if i := strings.IndexByte(model, '/'); i >= 0 {
		if a, ok := r.byPrefix[model[:i+1]]; ok {
			return a, nil
		}
	}
	if r.defaulted != nil {
		return r.defaulted, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
}

// ============================================================================
// TOKEN ESTIMATION
// ============================================================================

// EstimateTokens approximates token count for text when the vendor does not
// report usage. GPT-style tokenizers average ~4 chars per token; blending
// word and character counts tracks real usage closer than either alone.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	return (words + chars/4) / 2
}

// EstimateUsage builds an estimated Usage from prompt and output text.
func EstimateUsage(prompt, output string) Usage {
	return Usage{
		InputTokens:  EstimateTokens(prompt),
		OutputTokens: EstimateTokens(output),
		Estimated:    true,
	}
}
