// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package providertest provides a scripted in-memory Adapter for tests.
package providertest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jeranaias/relaycore/internal/provider"
)

// Response scripts one model's behavior.
type Response struct {
	// Chunks are streamed in order.
	Chunks []string
	// Usage is reported after a clean end. Zero usage is replaced by a
	// character-length estimate, like a vendor that omits usage.
	Usage provider.Usage
	// Err, when set, fails GenerateStream immediately.
	Err error
	// StreamErr, when set, terminates the stream after the chunks with an
	// error instead of EOF.
	StreamErr error
	// Delay is waited before the stream starts; a cancelled context wins.
	Delay time.Duration
}

// Adapter is a scripted provider.Adapter. Script responses per model, or a
// default for everything else.
type Adapter struct {
	mu        sync.Mutex
	responses map[string]Response
	fallback  *Response
	calls     []string
}

// New returns an empty scripted adapter. Unscripted models echo the
// prompt.
func New() *Adapter {
	return &Adapter{responses: make(map[string]Response)}
}

// Script sets the response for one model.
func (a *Adapter) Script(model string, r Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[model] = r
}

// ScriptDefault sets the response for any model without its own script.
func (a *Adapter) ScriptDefault(r Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fallback = &r
}

// Calls returns the models called, in call order.
func (a *Adapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

// GenerateStream implements provider.Adapter.
func (a *Adapter) GenerateStream(ctx context.Context, prompt string, opts provider.Options) (provider.Stream, error) {
	a.mu.Lock()
	a.calls = append(a.calls, opts.PreferredModel)
	r, ok := a.responses[opts.PreferredModel]
	if !ok {
		if a.fallback != nil {
			r = *a.fallback
		} else {
			r = Response{Chunks: []string{prompt}}
		}
	}
	a.mu.Unlock()

	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &provider.Error{Model: opts.PreferredModel, Err: ctx.Err()}
		case <-time.After(r.Delay):
		}
	}
	if r.Err != nil {
		return nil, &provider.Error{Model: opts.PreferredModel, Err: r.Err}
	}

	usage := r.Usage
	if usage.Total() == 0 {
		var out string
		for _, c := range r.Chunks {
			out += c
		}
		usage = provider.EstimateUsage(prompt, out)
	}

	return &stream{chunks: r.Chunks, usage: usage, streamErr: r.StreamErr, model: opts.PreferredModel}, nil
}

// stream replays scripted chunks.
type stream struct {
	model     string
	chunks    []string
	i         int
	usage     provider.Usage
	streamErr error
}

func (s *stream) Recv() (string, error) {
	if s.i < len(s.chunks) {
		chunk := s.chunks[s.i]
		s.i++
		return chunk, nil
	}
	if s.streamErr != nil {
		return "", &provider.Error{Model: s.model, Err: s.streamErr}
	}
	return "", io.EOF
}

func (s *stream) Usage() provider.Usage { return s.usage }

func (s *stream) Close() error { return nil }
