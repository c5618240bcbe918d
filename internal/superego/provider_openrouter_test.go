package superego

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"
)

type openRouterSSEMock struct {
	chunks []string

	mu   sync.Mutex
	body []byte
	path string
}

func (m *openRouterSSEMock) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Header.Get("Authorization") != "Bearer sk-or-test" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"No auth credentials found","code":401}}`)
		return
	}
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	m.mu.Lock()
	m.body = body
	m.path = r.URL.Path
	m.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f, ok := w.(http.Flusher)
	if !ok {
		return
	}
	for _, chunk := range m.chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		f.Flush()
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	f.Flush()
}

func openRouterChunk(content string, finish string) string {
	choice := map[string]any{"index": 0, "delta": map[string]any{"role": "assistant", "content": content}}
	if finish != "" {
		choice["finish_reason"] = finish
	} else {
		choice["finish_reason"] = nil
	}
	b, _ := json.Marshal(map[string]any{
		"id":      "gen-1",
		"object":  "chat.completion.chunk",
		"created": 1,
		"model":   "anthropic/claude-3.7-sonnet",
		"choices": []any{choice},
	})
	return string(b)
}

func newOpenRouterTestProvider(t *testing.T, m *openRouterSSEMock, apiKey string) Provider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(srv.Close)
	p, err := newOpenRouterProvider(ProviderSettings{APIKey: apiKey, BaseURL: srv.URL + "/api/v1", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("newOpenRouterProvider: %v", err)
	}
	return p
}

func TestOpenRouterProvider_StreamContentOnly(t *testing.T) {
	t.Parallel()

	m := &openRouterSSEMock{chunks: []string{
		openRouterChunk("", ""),
		openRouterChunk("Sure, ", ""),
		openRouterChunk("here it is.", ""),
		openRouterChunk("", "stop"),
	}}
	p := newOpenRouterTestProvider(t, m, "sk-or-test")

	got, err := collectDeltas(t, p, Request{
		Model:  "anthropic/claude-3.7-sonnet",
		System: "be helpful",
		Turns: []Turn{
			{Role: TurnUser, Content: "hi"},
			{Role: TurnAssistant, Content: "hello"},
			{Role: TurnSystem, Content: "[SUPEREGO EVALUATION]: fine"},
			{Role: TurnUser, Content: "next"},
		},
		MaxTokens: ResponderMaxTokens,
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	want := []Delta{
		{Kind: DeltaContent, Text: "Sure, "},
		{Kind: DeltaContent, Text: "here it is."},
		{Kind: DeltaStop, StopReason: "stop"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("deltas mismatch (-want +got):\n%s", diff)
	}

	m.mu.Lock()
	body, path := string(m.body), m.path
	m.mu.Unlock()
	if path != "/api/v1/chat/completions" {
		t.Fatalf("path=%q", path)
	}
	if !gjson.Get(body, "stream").Bool() {
		t.Fatalf("stream flag missing: %s", body)
	}
	if gjson.Get(body, "max_tokens").Exists() {
		t.Fatalf("max_tokens should not be sent to openrouter: %s", body)
	}
	var roles []string
	for _, r := range gjson.Get(body, "messages.#.role").Array() {
		roles = append(roles, r.String())
	}
	if diff := cmp.Diff([]string{"system", "user", "assistant", "system", "user"}, roles); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
	if got := gjson.Get(body, "messages.0.content").String(); got != "be helpful" {
		t.Fatalf("system prompt=%q", got)
	}
}

func TestOpenRouterProvider_ErrorChunkIsDecodeError(t *testing.T) {
	t.Parallel()

	m := &openRouterSSEMock{chunks: []string{
		openRouterChunk("partial", ""),
		`{"error":{"message":"Rate limit exceeded","code":429}}`,
	}}
	p := newOpenRouterTestProvider(t, m, "sk-or-test")

	got, err := collectDeltas(t, p, Request{Model: "m", Turns: []Turn{{Role: TurnUser, Content: "x"}}})
	var decodeErr *StreamDecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("err=%v (%T), want *StreamDecodeError", err, err)
	}
	if len(got) != 1 || got[0].Text != "partial" {
		t.Fatalf("deltas=%+v, want the partial content only", got)
	}
	if cause := LikelyCause("openrouter", "m", err); !strings.HasPrefix(cause, "Rate limiting") {
		t.Fatalf("LikelyCause=%q, want rate limiting", cause)
	}
}

func TestOpenRouterProvider_UnauthorizedIsInitError(t *testing.T) {
	t.Parallel()

	p := newOpenRouterTestProvider(t, &openRouterSSEMock{}, "sk-or-wrong")
	_, err := collectDeltas(t, p, Request{Model: "m", Turns: []Turn{{Role: TurnUser, Content: "x"}}})
	var initErr *StreamInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("err=%v (%T), want *StreamInitError", err, err)
	}
	if cause := LikelyCause("openrouter", "m", err); !strings.HasPrefix(cause, "Invalid API key") {
		t.Fatalf("LikelyCause=%q", cause)
	}
}

func TestOpenRouterProvider_Complete(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if gjson.GetBytes(body, "stream").Bool() {
			http.Error(w, "unexpected stream", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"gen-2","object":"chat.completion","created":1,"model":"m",`+
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"unscreened answer"}}]}`)
	}))
	t.Cleanup(srv.Close)
	p, err := newOpenRouterProvider(ProviderSettings{APIKey: "sk-or-test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("newOpenRouterProvider: %v", err)
	}
	got, err := p.Complete(context.Background(), Request{Model: "m", Turns: []Turn{{Role: TurnUser, Content: "q"}}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if got != "unscreened answer" {
		t.Fatalf("Complete=%q", got)
	}
}

func TestNewOpenRouterProvider_RequiresKey(t *testing.T) {
	t.Parallel()

	if _, err := newOpenRouterProvider(ProviderSettings{APIKey: " "}); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
