package superego

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tidwall/gjson"

	"github.com/floegence/superego-agent/internal/config"
)

type anthropicProvider struct {
	client anthropic.Client
}

func newAnthropicProvider(s ProviderSettings) (Provider, error) {
	apiKey := strings.TrimSpace(s.APIKey)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}
	opts := []aoption.RequestOption{
		aoption.WithAPIKey(apiKey),
		aoption.WithMaxRetries(max(0, s.MaxRetries)),
	}
	if baseURL := strings.TrimSpace(s.BaseURL); baseURL != "" {
		opts = append(opts, aoption.WithBaseURL(baseURL))
	}
	if s.HTTPClient != nil {
		opts = append(opts, aoption.WithHTTPClient(s.HTTPClient))
	}
	return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

func (p *anthropicProvider) ID() string { return config.ProviderAnthropic }

func (p *anthropicProvider) Stream(ctx context.Context, req Request, onDelta func(Delta)) error {
	if p == nil {
		return errors.New("nil provider")
	}
	params, err := buildAnthropicParams(req)
	if err != nil {
		return &StreamInitError{Provider: p.ID(), Err: err}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	var dec anthropicDecoder
	sawFrame := false
	for stream.Next() {
		sawFrame = true
		for _, d := range dec.decode(stream.Current()) {
			if onDelta != nil {
				onDelta(d)
			}
		}
	}
	return wrapStreamError(p.ID(), sawFrame, stream.Err())
}

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	params, err := buildAnthropicParams(req)
	if err != nil {
		return "", &StreamInitError{Provider: p.ID(), Err: err}
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", &StreamInitError{Provider: p.ID(), Err: err}
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}

// buildAnthropicParams folds turns into strict alternation and attaches the reasoning budget.
func buildAnthropicParams(req Request) (anthropic.MessageNewParams, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return anthropic.MessageNewParams{}, errors.New("missing model")
	}
	turns := FoldAlternating(req.Turns)
	if len(turns) == 0 {
		return anthropic.MessageNewParams{}, errors.New("no messages")
	}
	thinking := ThinkingEnabled(req.ThinkingBudget)

	maxTokens := req.MaxTokens
	if thinking {
		maxTokens = max(maxTokens, ResponseTokenCap(req.ThinkingBudget))
	}
	if maxTokens <= 0 {
		maxTokens = ResponderMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(turns)),
	}
	for _, t := range turns {
		if t.Role == TurnAssistant {
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(t.Redacted)+1)
			if thinking {
				for _, data := range t.Redacted {
					blocks = append(blocks, anthropic.NewRedactedThinkingBlock(data))
				}
			}
			blocks = append(blocks, anthropic.NewTextBlock(t.Content))
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(blocks...))
			continue
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
	}
	if thinking {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.ThinkingBudget))
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params, nil
}

// anthropicDecoder maps Messages API stream events to canonical deltas.
type anthropicDecoder struct {
	stopReason string
	stopped    bool
}

func (d *anthropicDecoder) decode(event anthropic.MessageStreamEventUnion) []Delta {
	switch variant := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		block := variant.ContentBlock
		switch block.Type {
		case "text":
			if block.Text != "" {
				return []Delta{{Kind: DeltaContent, Text: block.Text}}
			}
		case "thinking":
			if block.Thinking != "" {
				return []Delta{{Kind: DeltaThinking, Text: block.Thinking}}
			}
		case "redacted_thinking":
			if block.Data != "" {
				return []Delta{{Kind: DeltaThinkingRedacted, Text: block.Data}}
			}
		}

	case anthropic.ContentBlockDeltaEvent:
		delta := variant.Delta
		switch delta.Type {
		case "text_delta", "text":
			if delta.Text != "" {
				return []Delta{{Kind: DeltaContent, Text: delta.Text}}
			}
		case "thinking_delta", "thinking":
			if delta.Thinking != "" {
				return []Delta{{Kind: DeltaThinking, Text: delta.Thinking}}
			}
		case "redacted_thinking":
			// Not a typed SDK variant; the opaque payload is only reachable through the raw frame.
			if data := gjson.Get(delta.RawJSON(), "data").String(); data != "" {
				return []Delta{{Kind: DeltaThinkingRedacted, Text: data}}
			}
		}

	case anthropic.MessageDeltaEvent:
		if reason := string(variant.Delta.StopReason); reason != "" {
			d.stopReason = reason
		}

	case anthropic.MessageStopEvent:
		if d.stopped {
			return nil
		}
		d.stopped = true
		return []Delta{{Kind: DeltaStop, StopReason: d.stopReason}}
	}
	return nil
}
