package superego

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/floegence/superego-agent/internal/config"
)

// DefaultMaxRetries matches the SDK default for transient HTTP failures.
const DefaultMaxRetries = 2

// Request is one provider call in normalized form.
type Request struct {
	Model  string
	System string
	Turns  []Turn

	// MaxTokens caps the response. Zero leaves it to the provider.
	MaxTokens int
	// ThinkingBudget requests extended reasoning when >= MinThinkingBudget.
	ThinkingBudget int
}

// Provider streams or completes one model call.
//
// Stream invokes onDelta synchronously, in frame order, and returns nil once the stream
// completed. Errors are *StreamInitError or *StreamDecodeError.
type Provider interface {
	ID() string
	Stream(ctx context.Context, req Request, onDelta func(Delta)) error
	Complete(ctx context.Context, req Request) (string, error)
}

// ProviderSettings is what a factory needs to build a client.
type ProviderSettings struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	HTTPClient *http.Client
}

// ProviderFactory builds a provider client.
type ProviderFactory func(ProviderSettings) (Provider, error)

// Registry maps provider ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]ProviderFactory{}}
}

// DefaultRegistry knows the Anthropic and OpenRouter adapters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(config.ProviderAnthropic, newAnthropicProvider)
	r.Register(config.ProviderOpenRouter, newOpenRouterProvider)
	return r
}

func (r *Registry) Register(id string, f ProviderFactory) {
	if r == nil || f == nil {
		return
	}
	id = strings.TrimSpace(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

func (r *Registry) New(id string, s ProviderSettings) (Provider, error) {
	if r == nil {
		return nil, errors.New("nil provider registry")
	}
	id = strings.TrimSpace(id)
	r.mu.RLock()
	f := r.factories[id]
	r.mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("unsupported provider %q", id)
	}
	if strings.TrimSpace(s.APIKey) == "" {
		return nil, fmt.Errorf("%s: %w", id, ErrProviderNotConfigured)
	}
	return f(s)
}

// IDs lists registered provider ids.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
