// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// =============================================================================
// REGISTRY TESTS
// =============================================================================

type nopAdapter struct{ name string }

func (a *nopAdapter) GenerateStream(context.Context, string, Options) (Stream, error) {
	return nil, &Error{Err: fmt.Errorf("nop adapter %s", a.name)}
}

func TestRegistry_Resolution(t *testing.T) {
	reg := NewRegistry()
	exact := &nopAdapter{name: "exact"}
	prefixed := &nopAdapter{name: "prefixed"}
	fallback := &nopAdapter{name: "default"}

	reg.Register("openai/gpt-4o", exact)
	reg.RegisterPrefix("anthropic/", prefixed)
	reg.SetDefault(fallback)

	tests := []struct {
		model string
		want  *nopAdapter
	}{
		{"openai/gpt-4o", exact},
		{"anthropic/claude-3-opus", prefixed},
		{"anthropic/claude-3-haiku", prefixed},
		{"google/gemini-pro", fallback},
	}
	for _, tt := range tests {
		got, err := reg.Resolve(tt.model)
		if err != nil {
			t.Errorf("Resolve(%s) failed: %v", tt.model, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Resolve(%s) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestRegistry_UnknownModel(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("nobody/model")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("err = %v, want ErrUnknownModel", err)
	}
}

// =============================================================================
// TOKEN ESTIMATION TESTS
// =============================================================================

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"word", 1},               // (1 word + 4/4 chars) / 2
		{"hello world again", 3},  // (3 words + 17/4 chars) / 2
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestEstimateUsage_Flagged(t *testing.T) {
	u := EstimateUsage("a question", "an answer with several words in it")
	if !u.Estimated {
		t.Error("estimated usage not flagged")
	}
	if u.Total() != u.InputTokens+u.OutputTokens {
		t.Errorf("Total() = %d", u.Total())
	}
}

// =============================================================================
// HTTP ADAPTER TESTS
// =============================================================================

// sseBody formats SSE events for a fake gateway response.
func sseBody(events ...string) string {
	var b strings.Builder
	for _, e := range events {
		b.WriteString("data: ")
		b.WriteString(e)
		b.WriteString("\n\n")
	}
	return b.String()
}

func drain(t *testing.T, s Stream) (string, error) {
	t.Helper()
	var out strings.Builder
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return out.String(), nil
		}
		if err != nil {
			return out.String(), err
		}
		out.WriteString(chunk)
	}
}

func TestHTTPAdapter_StreamWithUsage(t *testing.T) {
	var gotAuth, gotAccept string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"Hello"}}]}`,
			`{"choices":[{"delta":{"content":" world"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4}}`,
			`[DONE]`,
		))
	}))
	defer ts.Close()

	adapter := NewHTTPAdapter("sk-test").WithBaseURL(ts.URL)
	stream, err := adapter.GenerateStream(context.Background(), "say hello", Options{
		PreferredModel: "openai/gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	defer stream.Close()

	out, err := drain(t, stream)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if out != "Hello world" {
		t.Errorf("output = %q", out)
	}

	usage := stream.Usage()
	if usage.InputTokens != 12 || usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
	if usage.Estimated {
		t.Error("vendor-reported usage flagged as estimated")
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "text/event-stream" {
		t.Errorf("Accept = %q", gotAccept)
	}
}

func TestHTTPAdapter_EstimatesWhenUsageMissing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"four"}}]}`,
			`[DONE]`,
		))
	}))
	defer ts.Close()

	adapter := NewHTTPAdapter("sk-test").WithBaseURL(ts.URL)
	stream, err := adapter.GenerateStream(context.Background(), "What is 2+2?", Options{
		PreferredModel: "openai/gpt-4o-mini",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, err := drain(t, stream); err != nil {
		t.Fatal(err)
	}
	usage := stream.Usage()
	if !usage.Estimated {
		t.Error("missing vendor usage must be estimated")
	}
	if usage.Total() <= 0 {
		t.Errorf("estimated total = %d", usage.Total())
	}
}

func TestHTTPAdapter_TruncatedStreamIsMalformed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Stream ends without finish_reason or [DONE].
		fmt.Fprint(w, sseBody(`{"choices":[{"delta":{"content":"par"}}]}`))
	}))
	defer ts.Close()

	adapter := NewHTTPAdapter("sk-test").WithBaseURL(ts.URL)
	stream, err := adapter.GenerateStream(context.Background(), "q", Options{
		PreferredModel: "openai/gpt-4o-mini",
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	_, err = drain(t, stream)
	if !errors.Is(err, ErrMalformedStream) {
		t.Errorf("err = %v, want ErrMalformedStream", err)
	}
}

func TestHTTPAdapter_AuthFailureNotRetried(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}))
	defer ts.Close()

	adapter := NewHTTPAdapter("sk-bad").WithBaseURL(ts.URL)
	_, err := adapter.GenerateStream(context.Background(), "q", Options{
		PreferredModel: "openai/gpt-4o-mini",
	})
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d; auth failures must not be retried", calls)
	}
}

func TestHTTPAdapter_RetriesServerErrors(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, sseBody(
			`{"choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}`,
			`[DONE]`,
		))
	}))
	defer ts.Close()

	adapter := NewHTTPAdapter("sk-test").WithBaseURL(ts.URL)
	stream, err := adapter.GenerateStream(context.Background(), "q", Options{
		PreferredModel: "openai/gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("GenerateStream failed after retries: %v", err)
	}
	defer stream.Close()

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	out, err := drain(t, stream)
	if err != nil || out != "ok" {
		t.Errorf("out = %q, err = %v", out, err)
	}
}

func TestHTTPAdapter_NotConfigured(t *testing.T) {
	adapter := NewHTTPAdapter("")
	_, err := adapter.GenerateStream(context.Background(), "q", Options{
		PreferredModel: "openai/gpt-4o-mini",
	})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_MultiLineData(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: line1\ndata: line2\n\ndata: next\n\n"))

	event, err := r.readEvent()
	if err != nil {
		t.Fatal(err)
	}
	if string(event) != "line1\nline2" {
		t.Errorf("event = %q", event)
	}

	event, err = r.readEvent()
	if err != nil {
		t.Fatal(err)
	}
	if string(event) != "next" {
		t.Errorf("event = %q", event)
	}

	if _, err := r.readEvent(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestSSEReader_IgnoresComments(t *testing.T) {
	r := newSSEReader(strings.NewReader(": ping\nid: 7\ndata: payload\n\n"))
	event, err := r.readEvent()
	if err != nil {
		t.Fatal(err)
	}
	if string(event) != "payload" {
		t.Errorf("event = %q", event)
	}
}

func TestSSEReader_FlushesAtEOF(t *testing.T) {
	r := newSSEReader(strings.NewReader("data: tail\n"))
	event, err := r.readEvent()
	if err != nil {
		t.Fatal(err)
	}
	if string(event) != "tail" {
		t.Errorf("event = %q", event)
	}
}
