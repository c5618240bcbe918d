package superego

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/superego-agent/internal/config"
)

// PromptSource resolves prompt texts by id.
type PromptSource interface {
	Constitution(ctx context.Context, id string) (string, error)
	SystemPrompt(ctx context.Context, id string) (string, error)
}

type Options struct {
	Logger    *slog.Logger
	Prompts   PromptSource
	Providers *Registry

	// MaxRetries is passed to provider clients. Nil uses DefaultMaxRetries.
	MaxRetries *int

	Now   func() time.Time
	NewID func() string
}

// Orchestrator runs the evaluate -> respond pipeline for one conversation.
//
// It keeps no state across calls except the handle of the evaluation in flight, which a
// newer Evaluate cancels. Callbacks run on the caller's goroutine and must not call back
// into the same Orchestrator.
type Orchestrator struct {
	log        *slog.Logger
	prompts    PromptSource
	providers  *Registry
	maxRetries int
	now        func() time.Time
	newID      func() string

	mu     sync.Mutex
	active *activeCall
}

type activeCall struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Prompts == nil {
		return nil, errors.New("missing prompt source")
	}
	o := &Orchestrator{
		log:        opts.Logger,
		prompts:    opts.Prompts,
		providers:  opts.Providers,
		maxRetries: DefaultMaxRetries,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	if o.providers == nil {
		o.providers = DefaultRegistry()
	}
	if opts.MaxRetries != nil {
		o.maxRetries = max(0, *opts.MaxRetries)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// EvaluateRequest is one screening call.
type EvaluateRequest struct {
	Input   string
	History []Message
	Config  config.Config

	// OnStart receives the initial ANALYZING message.
	OnStart func(Message)
	// OnContent receives each visible-text fragment.
	OnContent func(string)
	// OnThinking receives each reasoning fragment; redacted blocks arrive as RedactedThinkingMarker.
	OnThinking func(string)
}

// Evaluate screens req.Input with the configured constitution.
//
// It never returns an error: failures produce a Message with Decision ERROR whose content
// explains the most likely cause. A newer Evaluate cancels this one, suppresses its
// callbacks and waits for it to return before starting.
func (o *Orchestrator) Evaluate(ctx context.Context, req EvaluateRequest) Message {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, call := o.begin(ctx)
	defer o.finish(call)

	cfg := req.Config
	providerID, pcfg := cfg.ActiveProvider()
	msg := Message{
		ID:             o.newID(),
		Role:           RoleSuperego,
		Timestamp:      o.now(),
		Decision:       DecisionAnalyzing,
		ConstitutionID: strings.TrimSpace(cfg.ConstitutionID),
		ThinkingTime:   "0",
	}
	log := o.log.With("provider", providerID, "model", pcfg.SuperegoModel, "constitution_id", msg.ConstitutionID, "message_id", msg.ID)

	live := func() bool { return ctx.Err() == nil }
	if req.OnStart != nil && live() {
		req.OnStart(msg)
	}

	fail := func(err error) Message {
		if ctx.Err() != nil {
			err = context.Canceled
		}
		msg.Decision = DecisionError
		msg.Content = Describe(providerID, pcfg.SuperegoModel, err)
		log.Warn("superego evaluation failed", "error", err)
		return msg
	}

	constitution, err := o.prompts.Constitution(ctx, msg.ConstitutionID)
	if err != nil {
		return fail(&ExternalLookupError{Kind: "constitution", ID: msg.ConstitutionID, Err: err})
	}
	p, err := o.provider(providerID, pcfg)
	if err != nil {
		return fail(err)
	}

	preq := Request{
		Model:          pcfg.SuperegoModel,
		System:         constitution,
		Turns:          Assemble(req.History, ModeSuperego, cfg.MessageLimit(), req.Input),
		MaxTokens:      ResponseTokenCap(cfg.ThinkingTokenBudget),
		ThinkingBudget: cfg.ThinkingTokenBudget,
	}
	log.Debug("superego evaluation started", "turns", len(preq.Turns), "max_tokens", preq.MaxTokens)

	var content, thinking strings.Builder
	err = p.Stream(ctx, preq, func(d Delta) {
		if !live() {
			return
		}
		switch d.Kind {
		case DeltaContent:
			content.WriteString(d.Text)
			msg.Content = content.String()
			if req.OnContent != nil {
				req.OnContent(d.Text)
			}
		case DeltaThinking, DeltaThinkingRedacted:
			fragment := d.Text
			if d.Kind == DeltaThinkingRedacted {
				msg.RedactedThinking = append(msg.RedactedThinking, d.Text)
				fragment = RedactedThinkingMarker
			}
			thinking.WriteString(fragment)
			msg.Thinking = thinking.String()
			msg.ThinkingTime = EstimateThinkingTokens(msg.Thinking)
			if req.OnThinking != nil {
				req.OnThinking(fragment)
			}
		case DeltaStop:
			msg.StopReason = d.StopReason
		}
	})
	if err != nil || !live() {
		return fail(err)
	}
	if content.Len() == 0 {
		return fail(&EmptyResponseError{Provider: providerID, Model: pcfg.SuperegoModel, Diagnosis: Troubleshooting(providerID)})
	}
	msg.Decision = DecisionAnalyzed
	log.Debug("superego evaluation finished", "stop_reason", msg.StopReason, "thinking_tokens", msg.ThinkingTime)
	return msg
}

// RespondRequest is one base-model call.
type RespondRequest struct {
	Input string
	// History should already include the accepted evaluation.
	History []Message
	Config  config.Config

	OnContent func(string)

	// Compare also asks the base model without the superego turns once Respond succeeds.
	Compare bool
}

// Comparison is the best-effort unscreened answer. Err is set instead of Message on failure.
type Comparison struct {
	Message Message
	Err     error
}

type RespondResult struct {
	Message    Message
	Comparison *Comparison
}

// Respond streams the base model's answer. Unlike Evaluate it returns errors, so a failed
// call never yields an assistant message.
func (o *Orchestrator) Respond(ctx context.Context, req RespondRequest) (RespondResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := req.Config
	providerID, pcfg := cfg.ActiveProvider()
	log := o.log.With("provider", providerID, "model", pcfg.BaseModel)

	system, err := o.systemPrompt(ctx, cfg)
	if err != nil {
		return RespondResult{}, err
	}
	p, err := o.provider(providerID, pcfg)
	if err != nil {
		return RespondResult{}, err
	}

	preq := Request{
		Model:     pcfg.BaseModel,
		System:    system,
		Turns:     Assemble(req.History, ModeBase, cfg.MessageLimit(), req.Input),
		MaxTokens: ResponderMaxTokens,
	}
	msg := Message{ID: o.newID(), Role: RoleAssistant, Timestamp: o.now()}

	var content strings.Builder
	err = p.Stream(ctx, preq, func(d Delta) {
		switch d.Kind {
		case DeltaContent:
			content.WriteString(d.Text)
			if req.OnContent != nil {
				req.OnContent(d.Text)
			}
		case DeltaStop:
			msg.StopReason = d.StopReason
		}
	})
	if err != nil {
		log.Warn("base response failed", "error", err)
		return RespondResult{}, err
	}
	if content.Len() == 0 {
		return RespondResult{}, &EmptyResponseError{Provider: providerID, Model: pcfg.BaseModel, Diagnosis: Troubleshooting(providerID)}
	}
	msg.Content = content.String()

	out := RespondResult{Message: msg}
	if req.Compare {
		cmp, cerr := o.CompareWithoutScreening(ctx, req.Input, req.History, cfg)
		if cerr != nil {
			log.Warn("comparison response failed", "error", cerr)
		}
		out.Comparison = &Comparison{Message: cmp, Err: cerr}
	}
	return out, nil
}

// CompareWithoutScreening asks the base model the same question with every superego turn
// removed. The call is not streamed.
func (o *Orchestrator) CompareWithoutScreening(ctx context.Context, input string, history []Message, cfg config.Config) (Message, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	providerID, pcfg := cfg.ActiveProvider()
	system, err := o.systemPrompt(ctx, cfg)
	if err != nil {
		return Message{}, err
	}
	p, err := o.provider(providerID, pcfg)
	if err != nil {
		return Message{}, err
	}
	text, err := p.Complete(ctx, Request{
		Model:     pcfg.BaseModel,
		System:    system,
		Turns:     Assemble(history, ModeComparison, cfg.MessageLimit(), input),
		MaxTokens: ResponderMaxTokens,
	})
	if err != nil {
		return Message{}, err
	}
	if text == "" {
		return Message{}, &EmptyResponseError{Provider: providerID, Model: pcfg.BaseModel, Diagnosis: Troubleshooting(providerID)}
	}
	return Message{ID: o.newID(), Role: RoleAssistant, Content: text, Timestamp: o.now()}, nil
}

func (o *Orchestrator) systemPrompt(ctx context.Context, cfg config.Config) (string, error) {
	id := strings.TrimSpace(cfg.SystemPromptID)
	if id == "" {
		return "", nil
	}
	text, err := o.prompts.SystemPrompt(ctx, id)
	if err != nil {
		return "", &ExternalLookupError{Kind: "system_prompt", ID: id, Err: err}
	}
	return text, nil
}

func (o *Orchestrator) provider(id string, pcfg config.ProviderConfig) (Provider, error) {
	if !pcfg.Configured() {
		return nil, fmt.Errorf("%s: %w", id, ErrProviderNotConfigured)
	}
	return o.providers.New(id, ProviderSettings{
		APIKey:     pcfg.APIKey,
		BaseURL:    pcfg.BaseURL,
		MaxRetries: o.maxRetries,
	})
}

// begin registers a new evaluation, cancelling and draining the previous one.
func (o *Orchestrator) begin(parent context.Context) (context.Context, *activeCall) {
	ctx, cancel := context.WithCancel(parent)
	call := &activeCall{cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	prev := o.active
	o.active = call
	o.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	return ctx, call
}

func (o *Orchestrator) finish(call *activeCall) {
	call.cancel()
	o.mu.Lock()
	if o.active == call {
		o.active = nil
	}
	o.mu.Unlock()
	close(call.done)
}

// Cancel aborts the evaluation in flight, if any, and waits for it to return.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	prev := o.active
	o.mu.Unlock()
	if prev == nil {
		return
	}
	prev.cancel()
	<-prev.done
}
