package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/floegence/superego-agent/internal/config"
	"github.com/floegence/superego-agent/internal/superego"
	"github.com/floegence/superego-agent/internal/threadstore"
)

type fakePipeline struct {
	evaluations []superego.EvaluateRequest
	responses   []superego.RespondRequest

	decision   superego.Decision
	respondErr error
	cancels    int
}

func (p *fakePipeline) Evaluate(_ context.Context, req superego.EvaluateRequest) superego.Message {
	p.evaluations = append(p.evaluations, req)
	decision := p.decision
	if decision == "" {
		decision = superego.DecisionAnalyzed
	}
	msg := superego.Message{
		ID:             fmt.Sprintf("eval-%d", len(p.evaluations)),
		Role:           superego.RoleSuperego,
		Content:        "screened: " + req.Input,
		Decision:       decision,
		ConstitutionID: req.Config.ConstitutionID,
	}
	if req.OnContent != nil {
		req.OnContent(msg.Content)
	}
	return msg
}

func (p *fakePipeline) Respond(_ context.Context, req superego.RespondRequest) (superego.RespondResult, error) {
	p.responses = append(p.responses, req)
	if p.respondErr != nil {
		return superego.RespondResult{}, p.respondErr
	}
	if req.OnContent != nil {
		req.OnContent("answer")
	}
	return superego.RespondResult{Message: superego.Message{
		ID:      fmt.Sprintf("resp-%d", len(p.responses)),
		Role:    superego.RoleAssistant,
		Content: "answer to " + req.Input,
	}}, nil
}

func (p *fakePipeline) Cancel() { p.cancels++ }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.DefaultProvider = config.ProviderAnthropic
	cfg.Anthropic.APIKey = "sk-ant-test"
	return cfg
}

func testOptions(p Pipeline, store Store) Options {
	n := 0
	return Options{
		Pipeline: p,
		Store:    store,
		Now:      func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	}
}

func openStore(t *testing.T) *threadstore.Store {
	t.Helper()
	s, err := threadstore.Open(filepath.Join(t.TempDir(), "conversations.sqlite"))
	if err != nil {
		t.Fatalf("threadstore.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func roles(msgs []superego.Message) []superego.Role {
	out := make([]superego.Role, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func TestSession_SubmitProceedPersists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := &fakePipeline{}
	store := openStore(t)
	s, err := New(testOptions(p, store))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var streamed string
	eval, err := s.Submit(ctx, "How do I bake bread?", testConfig(), Callbacks{OnEvaluationContent: func(x string) { streamed += x }})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if eval.Decision != superego.DecisionAnalyzed || streamed != eval.Content {
		t.Fatalf("eval=%+v streamed=%q", eval, streamed)
	}
	if pending, ok := s.Pending(); !ok || pending.ID != eval.ID {
		t.Fatalf("pending=%+v ok=%v", pending, ok)
	}
	if got := len(p.evaluations[0].History); got != 1 {
		t.Fatalf("evaluation history len=%d, want the user message only", got)
	}
	if _, err := s.Submit(ctx, "again", testConfig(), Callbacks{}); !errors.Is(err, ErrPendingEvaluation) {
		t.Fatalf("err=%v, want ErrPendingEvaluation", err)
	}

	res, err := s.Proceed(ctx, testConfig(), false, Callbacks{})
	if err != nil {
		t.Fatalf("Proceed: %v", err)
	}
	if res.Message.Content != "answer to How do I bake bread?" {
		t.Fatalf("response=%q", res.Message.Content)
	}
	if diff := cmp.Diff([]superego.Role{superego.RoleUser, superego.RoleSuperego}, roles(p.responses[0].History)); diff != "" {
		t.Fatalf("respond history mismatch (-want +got):\n%s", diff)
	}
	if _, ok := s.Pending(); ok {
		t.Fatalf("pending evaluation should be consumed")
	}

	want := []superego.Role{superego.RoleUser, superego.RoleSuperego, superego.RoleAssistant}
	if diff := cmp.Diff(want, roles(s.Messages())); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}

	reopened, err := Open(ctx, testOptions(p, store), s.ID())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if diff := cmp.Diff(s.Messages(), reopened.Messages()); diff != "" {
		t.Fatalf("persisted messages mismatch (-want +got):\n%s", diff)
	}
	if reopened.Name() != "How do I bake bread?" {
		t.Fatalf("Name=%q", reopened.Name())
	}
}

func TestSession_SubmitRejectsUnconfiguredProvider(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	s, _ := New(testOptions(p, nil))
	cfg := testConfig()
	cfg.Anthropic.APIKey = ""

	_, err := s.Submit(context.Background(), "hi", cfg, Callbacks{})
	if !errors.Is(err, superego.ErrProviderNotConfigured) {
		t.Fatalf("err=%v, want ErrProviderNotConfigured", err)
	}
	if len(s.Messages()) != 0 || len(p.evaluations) != 0 {
		t.Fatalf("nothing should be appended or evaluated")
	}
	if _, err := s.Submit(context.Background(), "   ", testConfig(), Callbacks{}); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("err=%v, want ErrEmptyInput", err)
	}
}

func TestSession_ProceedRequiresAnalyzedEvaluation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := &fakePipeline{decision: superego.DecisionError}
	s, _ := New(testOptions(p, nil))

	if _, err := s.Proceed(ctx, testConfig(), false, Callbacks{}); !errors.Is(err, ErrNoEvaluation) {
		t.Fatalf("err=%v, want ErrNoEvaluation", err)
	}
	if _, err := s.Submit(ctx, "hi", testConfig(), Callbacks{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Proceed(ctx, testConfig(), false, Callbacks{}); !errors.Is(err, ErrEvaluationFailed) {
		t.Fatalf("err=%v, want ErrEvaluationFailed", err)
	}

	s.Discard()
	if _, ok := s.Pending(); ok {
		t.Fatalf("Discard should drop the pending evaluation")
	}
	if len(p.responses) != 0 {
		t.Fatalf("base model must not be called")
	}
}

func TestSession_ProceedKeepsEvaluationWhenResponseFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := &fakePipeline{respondErr: errors.New("boom")}
	s, _ := New(testOptions(p, nil))
	if _, err := s.Submit(ctx, "hi", testConfig(), Callbacks{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := s.Proceed(ctx, testConfig(), false, Callbacks{}); err == nil {
		t.Fatalf("expected respond error")
	}
	if diff := cmp.Diff([]superego.Role{superego.RoleUser, superego.RoleSuperego}, roles(s.Messages())); diff != "" {
		t.Fatalf("roles mismatch (-want +got):\n%s", diff)
	}
}

func TestSession_ReevaluateUsesOtherConstitution(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := &fakePipeline{}
	s, _ := New(testOptions(p, nil))

	if _, err := s.Reevaluate(ctx, "strict", testConfig(), Callbacks{}); !errors.Is(err, ErrNoUserMessage) {
		t.Fatalf("err=%v, want ErrNoUserMessage", err)
	}
	if _, err := s.Submit(ctx, "first", testConfig(), Callbacks{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eval, err := s.Reevaluate(ctx, "strict", testConfig(), Callbacks{})
	if err != nil {
		t.Fatalf("Reevaluate: %v", err)
	}
	if eval.ConstitutionID != "strict" || p.evaluations[1].Input != "first" {
		t.Fatalf("eval=%+v input=%q", eval, p.evaluations[1].Input)
	}
	if pending, _ := s.Pending(); pending.ID != eval.ID {
		t.Fatalf("pending=%q, want %q", pending.ID, eval.ID)
	}
	if len(s.Messages()) != 1 {
		t.Fatalf("re-evaluation must not append messages")
	}
}

func TestSession_EditDeleteRetryClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := &fakePipeline{}
	store := openStore(t)
	s, _ := New(testOptions(p, store))

	for _, input := range []string{"one", "two"} {
		if _, err := s.Submit(ctx, input, testConfig(), Callbacks{}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if _, err := s.Proceed(ctx, testConfig(), false, Callbacks{}); err != nil {
			t.Fatalf("Proceed: %v", err)
		}
	}
	msgs := s.Messages()
	if len(msgs) != 6 {
		t.Fatalf("len=%d, want 6", len(msgs))
	}

	if err := s.Edit(ctx, msgs[0].ID, "one (edited)"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := s.Edit(ctx, "missing", "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("err=%v, want ErrMessageNotFound", err)
	}

	if _, err := s.RetryFrom(ctx, msgs[1].ID, testConfig(), Callbacks{}); !errors.Is(err, ErrNotUserMessage) {
		t.Fatalf("err=%v, want ErrNotUserMessage", err)
	}
	eval, err := s.RetryFrom(ctx, msgs[3].ID, testConfig(), Callbacks{})
	if err != nil {
		t.Fatalf("RetryFrom: %v", err)
	}
	if eval.Content != "screened: two" {
		t.Fatalf("eval=%q", eval.Content)
	}
	if got := len(s.Messages()); got != 4 {
		t.Fatalf("len after retry=%d, want 4", got)
	}

	if err := s.Delete(ctx, msgs[2].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Pending(); ok {
		t.Fatalf("Delete should drop the pending evaluation")
	}
	stored, err := LoadMessages(ctx, store, s.ID())
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(stored) != 2 || stored[0].Content != "one (edited)" {
		t.Fatalf("stored=%+v", stored)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if stored, _ := LoadMessages(ctx, store, s.ID()); len(stored) != 0 {
		t.Fatalf("stored after clear=%+v", stored)
	}
	c, _ := store.GetConversation(ctx, s.ID())
	if c == nil || c.Name != "one" {
		t.Fatalf("conversation after clear=%+v", c)
	}
}

func TestOpen_MissingConversation(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), testOptions(&fakePipeline{}, openStore(t)), "nope")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err=%v, want sql.ErrNoRows", err)
	}
	if _, err := Open(context.Background(), testOptions(&fakePipeline{}, nil), "x"); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestSession_CancelForwardsToPipeline(t *testing.T) {
	t.Parallel()

	p := &fakePipeline{}
	s, _ := New(testOptions(p, nil))
	s.Cancel()
	if p.cancels != 1 {
		t.Fatalf("cancels=%d, want 1", p.cancels)
	}
}
