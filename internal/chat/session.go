// Package chat drives one conversation through the screen -> respond flow.
//
// A Session owns the message history, the evaluation waiting for a decision and, when a
// Store is set, the persisted copy of both.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/floegence/superego-agent/internal/config"
	"github.com/floegence/superego-agent/internal/superego"
	"github.com/floegence/superego-agent/internal/threadstore"
)

var (
	ErrEmptyInput = errors.New("input is empty")
	// ErrPendingEvaluation is returned by Submit while an evaluation awaits Proceed or Discard.
	ErrPendingEvaluation = errors.New("an evaluation is waiting for a decision")
	ErrNoEvaluation      = errors.New("no evaluation to proceed with")
	// ErrEvaluationFailed is returned by Proceed when the pending evaluation has Decision ERROR.
	ErrEvaluationFailed = errors.New("the pending evaluation failed; re-evaluate or discard it")
	ErrNoUserMessage    = errors.New("no user message to evaluate")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotUserMessage   = errors.New("only user messages can be retried")
)

// Pipeline is the part of *superego.Orchestrator a Session needs.
type Pipeline interface {
	Evaluate(ctx context.Context, req superego.EvaluateRequest) superego.Message
	Respond(ctx context.Context, req superego.RespondRequest) (superego.RespondResult, error)
	Cancel()
}

// Store is the persistence a Session writes through. *threadstore.Store implements it.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (*threadstore.Conversation, error)
	CreateConversation(ctx context.Context, c threadstore.Conversation) error
	AppendMessage(ctx context.Context, conversationID string, m threadstore.Message) (int64, error)
	UpdateMessage(ctx context.Context, conversationID string, messageID string, textContent string, messageJSON string) error
	TruncateFrom(ctx context.Context, conversationID string, messageID string) (int64, error)
	ClearMessages(ctx context.Context, conversationID string) error
	ListMessages(ctx context.Context, conversationID string) ([]threadstore.Message, error)
}

type Options struct {
	Logger   *slog.Logger
	Pipeline Pipeline
	// Store is optional. Nil keeps the conversation in memory.
	Store Store

	Now   func() time.Time
	NewID func() string
}

// Callbacks receive streamed fragments. Any of them may be nil.
type Callbacks struct {
	OnEvaluationStart   func(superego.Message)
	OnEvaluationContent func(string)
	OnThinking          func(string)
	OnResponseContent   func(string)
}

// Session is one conversation.
//
// Methods must be called from one goroutine at a time; Cancel may be called from any.
type Session struct {
	log      *slog.Logger
	pipeline Pipeline
	store    Store
	now      func() time.Time
	newID    func() string

	id        string
	name      string
	persisted bool
	messages  []superego.Message
	pending   *superego.Message
}

func newSession(opts Options) (*Session, error) {
	if opts.Pipeline == nil {
		return nil, errors.New("missing pipeline")
	}
	s := &Session{
		log:      opts.Logger,
		pipeline: opts.Pipeline,
		store:    opts.Store,
		now:      opts.Now,
		newID:    opts.NewID,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s, nil
}

// New starts an empty conversation. It is written to the store on its first message.
func New(opts Options) (*Session, error) {
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	s.id = s.newID()
	return s, nil
}

// Open loads a stored conversation. A missing conversation yields a wrapped sql.ErrNoRows.
func Open(ctx context.Context, opts Options, conversationID string) (*Session, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	s, err := newSession(opts)
	if err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	c, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, sql.ErrNoRows)
	}
	messages, err := LoadMessages(ctx, s.store, conversationID)
	if err != nil {
		return nil, err
	}
	s.id = c.ConversationID
	s.name = c.Name
	s.persisted = true
	s.messages = messages
	return s, nil
}

// LoadMessages decodes the stored message bodies of a conversation.
func LoadMessages(ctx context.Context, store Store, conversationID string) ([]superego.Message, error) {
	rows, err := store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]superego.Message, 0, len(rows))
	for _, row := range rows {
		var m superego.Message
		if err := json.Unmarshal([]byte(row.MessageJSON), &m); err != nil {
			return nil, fmt.Errorf("message %s: %w", row.MessageID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Session) ID() string   { return s.id }
func (s *Session) Name() string { return s.name }

// Messages returns a copy of the accepted history.
func (s *Session) Messages() []superego.Message {
	return slices.Clone(s.messages)
}

// Pending returns the evaluation waiting for Proceed or Discard.
func (s *Session) Pending() (superego.Message, bool) {
	if s.pending == nil {
		return superego.Message{}, false
	}
	return *s.pending, true
}

// Cancel aborts the evaluation in flight.
func (s *Session) Cancel() {
	s.pipeline.Cancel()
}

// Submit appends input as a user message and screens it.
//
// The returned evaluation becomes pending; nothing reaches the base model until Proceed.
// A provider without a credential is rejected before the message is appended.
func (s *Session) Submit(ctx context.Context, input string, cfg config.Config, cb Callbacks) (superego.Message, error) {
	if strings.TrimSpace(input) == "" {
		return superego.Message{}, ErrEmptyInput
	}
	if s.pending != nil {
		return superego.Message{}, ErrPendingEvaluation
	}
	if id, pcfg := cfg.ActiveProvider(); !pcfg.Configured() {
		return superego.Message{}, fmt.Errorf("%s: %w", config.ProviderDisplayName(id), superego.ErrProviderNotConfigured)
	}

	user := superego.Message{ID: s.newID(), Role: superego.RoleUser, Content: input, Timestamp: s.now()}
	if err := s.append(ctx, user); err != nil {
		return superego.Message{}, err
	}
	return s.evaluate(ctx, input, cfg, cb), nil
}

// Reevaluate screens the last user message again with constitutionID, replacing any
// pending evaluation.
func (s *Session) Reevaluate(ctx context.Context, constitutionID string, cfg config.Config, cb Callbacks) (superego.Message, error) {
	last, ok := s.lastUserMessage()
	if !ok {
		return superego.Message{}, ErrNoUserMessage
	}
	return s.evaluate(ctx, last.Content, cfg.WithConstitution(constitutionID), cb), nil
}

// Discard drops the pending evaluation so the input can be re-screened or abandoned.
func (s *Session) Discard() {
	s.pending = nil
}

// Proceed accepts the pending evaluation, appends it and asks the base model.
//
// The evaluation stays in history even if the base model fails.
func (s *Session) Proceed(ctx context.Context, cfg config.Config, compare bool, cb Callbacks) (superego.RespondResult, error) {
	if s.pending == nil {
		return superego.RespondResult{}, ErrNoEvaluation
	}
	if s.pending.Decision != superego.DecisionAnalyzed {
		return superego.RespondResult{}, ErrEvaluationFailed
	}
	last, ok := s.lastUserMessage()
	if !ok {
		return superego.RespondResult{}, ErrNoUserMessage
	}

	evaluation := *s.pending
	s.pending = nil
	if err := s.append(ctx, evaluation); err != nil {
		return superego.RespondResult{}, err
	}

	res, err := s.pipeline.Respond(ctx, superego.RespondRequest{
		Input:     last.Content,
		History:   s.Messages(),
		Config:    cfg,
		OnContent: cb.OnResponseContent,
		Compare:   compare,
	})
	if err != nil {
		return superego.RespondResult{}, err
	}
	if err := s.append(ctx, res.Message); err != nil {
		return superego.RespondResult{}, err
	}
	return res, nil
}

// Edit replaces the content of a message in place.
func (s *Session) Edit(ctx context.Context, messageID string, content string) error {
	i := s.indexOf(messageID)
	if i < 0 {
		return ErrMessageNotFound
	}
	m := s.messages[i]
	m.Content = content
	m.Timestamp = s.now()
	if s.persisted {
		body, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := s.store.UpdateMessage(ctx, s.id, m.ID, m.Content, string(body)); err != nil {
			return err
		}
	}
	s.messages[i] = m
	return nil
}

// Delete removes a message and every message after it. Any pending evaluation is dropped.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	i := s.indexOf(messageID)
	if i < 0 {
		return ErrMessageNotFound
	}
	if err := s.truncate(ctx, i); err != nil {
		return err
	}
	s.pending = nil
	return nil
}

// RetryFrom keeps history up to and including the user message messageID and screens it again.
func (s *Session) RetryFrom(ctx context.Context, messageID string, cfg config.Config, cb Callbacks) (superego.Message, error) {
	i := s.indexOf(messageID)
	if i < 0 {
		return superego.Message{}, ErrMessageNotFound
	}
	m := s.messages[i]
	if m.Role != superego.RoleUser {
		return superego.Message{}, ErrNotUserMessage
	}
	if i+1 < len(s.messages) {
		if err := s.truncate(ctx, i+1); err != nil {
			return superego.Message{}, err
		}
	}
	s.pending = nil
	return s.evaluate(ctx, m.Content, cfg, cb), nil
}

// Clear empties the conversation but keeps its id and name.
func (s *Session) Clear(ctx context.Context) error {
	if s.persisted {
		if err := s.store.ClearMessages(ctx, s.id); err != nil {
			return err
		}
	}
	s.messages = nil
	s.pending = nil
	return nil
}

func (s *Session) evaluate(ctx context.Context, input string, cfg config.Config, cb Callbacks) superego.Message {
	s.pending = nil
	msg := s.pipeline.Evaluate(ctx, superego.EvaluateRequest{
		Input:      input,
		History:    s.Messages(),
		Config:     cfg,
		OnStart:    cb.OnEvaluationStart,
		OnContent:  cb.OnEvaluationContent,
		OnThinking: cb.OnThinking,
	})
	s.pending = &msg
	s.log.Debug("evaluation pending", "conversation_id", s.id, "message_id", msg.ID, "decision", string(msg.Decision))
	return msg
}

func (s *Session) append(ctx context.Context, m superego.Message) error {
	if s.name == "" && m.Role == superego.RoleUser {
		s.name = threadstore.TitleCandidate(m.Content)
	}
	if s.store != nil {
		if err := s.ensurePersisted(ctx); err != nil {
			return err
		}
		row, err := storeMessage(m)
		if err != nil {
			return err
		}
		if _, err := s.store.AppendMessage(ctx, s.id, row); err != nil {
			return err
		}
	}
	s.messages = append(s.messages, m)
	return nil
}

func (s *Session) ensurePersisted(ctx context.Context) error {
	if s.persisted {
		return nil
	}
	if err := s.store.CreateConversation(ctx, threadstore.Conversation{
		ConversationID:  s.id,
		Name:            s.name,
		CreatedAtUnixMs: s.now().UnixMilli(),
	}); err != nil {
		return err
	}
	s.persisted = true
	return nil
}

func (s *Session) truncate(ctx context.Context, from int) error {
	if from >= len(s.messages) {
		return nil
	}
	if s.persisted {
		if _, err := s.store.TruncateFrom(ctx, s.id, s.messages[from].ID); err != nil {
			return err
		}
	}
	s.messages = s.messages[:from]
	return nil
}

func (s *Session) indexOf(messageID string) int {
	messageID = strings.TrimSpace(messageID)
	return slices.IndexFunc(s.messages, func(m superego.Message) bool { return m.ID == messageID })
}

func (s *Session) lastUserMessage() (superego.Message, bool) {
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == superego.RoleUser {
			return s.messages[i], true
		}
	}
	return superego.Message{}, false
}

func storeMessage(m superego.Message) (threadstore.Message, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return threadstore.Message{}, err
	}
	return threadstore.Message{
		MessageID:       m.ID,
		Role:            string(m.Role),
		CreatedAtUnixMs: m.Timestamp.UnixMilli(),
		TextContent:     m.Content,
		MessageJSON:     string(body),
	}, nil
}
