package superego

import (
	"context"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"

	"github.com/floegence/superego-agent/internal/config"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint used when no base URL is configured.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

type openRouterProvider struct {
	client openai.Client
}

func newOpenRouterProvider(s ProviderSettings) (Provider, error) {
	apiKey := strings.TrimSpace(s.APIKey)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}
	baseURL := strings.TrimSpace(s.BaseURL)
	if baseURL == "" {
		baseURL = OpenRouterBaseURL
	}
	opts := []ooption.RequestOption{
		ooption.WithAPIKey(apiKey),
		ooption.WithBaseURL(baseURL),
		ooption.WithMaxRetries(max(0, s.MaxRetries)),
	}
	if s.HTTPClient != nil {
		opts = append(opts, ooption.WithHTTPClient(s.HTTPClient))
	}
	return &openRouterProvider{client: openai.NewClient(opts...)}, nil
}

func (p *openRouterProvider) ID() string { return config.ProviderOpenRouter }

func (p *openRouterProvider) Stream(ctx context.Context, req Request, onDelta func(Delta)) error {
	if p == nil {
		return errors.New("nil provider")
	}
	params, err := buildOpenRouterParams(req)
	if err != nil {
		return &StreamInitError{Provider: p.ID(), Err: err}
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	sawFrame := false
	stopped := false
	for stream.Next() {
		sawFrame = true
		for _, d := range decodeOpenRouterChunk(stream.Current()) {
			if d.Kind == DeltaStop {
				if stopped {
					continue
				}
				stopped = true
			}
			if onDelta != nil {
				onDelta(d)
			}
		}
	}
	return wrapStreamError(p.ID(), sawFrame, stream.Err())
}

func (p *openRouterProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	params, err := buildOpenRouterParams(req)
	if err != nil {
		return "", &StreamInitError{Provider: p.ID(), Err: err}
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", &StreamInitError{Provider: p.ID(), Err: err}
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// buildOpenRouterParams maps turns one to one; the system prompt leads as a system message.
//
// No token cap is sent: OpenRouter applies the routed model's own default.
func buildOpenRouterParams(req Request) (openai.ChatCompletionNewParams, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return openai.ChatCompletionNewParams{}, errors.New("missing model")
	}
	turns := FoldLoose(req.Turns)
	if len(turns) == 0 {
		return openai.ChatCompletionNewParams{}, errors.New("no messages")
	}
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		msgs = append(msgs, openai.SystemMessage(system))
	}
	for _, t := range turns {
		switch t.Role {
		case TurnSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case TurnAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	return openai.ChatCompletionNewParams{
		Model:    model,
		Messages: msgs,
	}, nil
}

func decodeOpenRouterChunk(chunk openai.ChatCompletionChunk) []Delta {
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	var out []Delta
	if choice.Delta.Content != "" {
		out = append(out, Delta{Kind: DeltaContent, Text: choice.Delta.Content})
	}
	if reason := strings.TrimSpace(choice.FinishReason); reason != "" {
		out = append(out, Delta{Kind: DeltaStop, StopReason: reason})
	}
	return out
}
