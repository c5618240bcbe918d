package superego

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func userMsg(s string) Message      { return Message{Role: RoleUser, Content: s} }
func assistantMsg(s string) Message { return Message{Role: RoleAssistant, Content: s} }
func superegoMsg(s string) Message  { return Message{Role: RoleSuperego, Content: s} }

func TestAssemble_EmptyHistorySuperegoMode(t *testing.T) {
	t.Parallel()

	got := Assemble(nil, ModeSuperego, 0, "hello")
	want := []Turn{{Role: TurnUser, Content: "Evaluate this user input: hello"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Assemble mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, FoldAlternating(got)); diff != "" {
		t.Fatalf("FoldAlternating mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_BaseModeFoldsEvaluationIntoTrailingUserTurn(t *testing.T) {
	t.Parallel()

	history := []Message{userMsg("hi"), assistantMsg("hi back"), superegoMsg("looks fine")}
	turns := Assemble(history, ModeBase, 0, "next question")

	wantTurns := []Turn{
		{Role: TurnUser, Content: "hi"},
		{Role: TurnAssistant, Content: "hi back"},
		{Role: TurnSystem, Content: "[SUPEREGO EVALUATION]: looks fine"},
		{Role: TurnUser, Content: "next question"},
	}
	if diff := cmp.Diff(wantTurns, turns); diff != "" {
		t.Fatalf("Assemble mismatch (-want +got):\n%s", diff)
	}

	wantFolded := []Turn{
		{Role: TurnUser, Content: "hi"},
		{Role: TurnAssistant, Content: "hi back"},
		{Role: TurnUser, Content: "[SUPEREGO EVALUATION]: looks fine\n\nnext question"},
	}
	if diff := cmp.Diff(wantFolded, FoldAlternating(turns)); diff != "" {
		t.Fatalf("FoldAlternating mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_BaseModeCarriesThinking(t *testing.T) {
	t.Parallel()

	sup := superegoMsg("ok")
	sup.Thinking = "considered it"
	got := Assemble([]Message{userMsg("q"), sup}, ModeBase, 0, "next")
	want := []Turn{
		{Role: TurnUser, Content: "q"},
		{Role: TurnSystem, Content: "[SUPEREGO EVALUATION]: ok\n\n[SUPEREGO THINKING]: considered it"},
		{Role: TurnUser, Content: "next"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Assemble mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_BaseModeMovesScreenedInputAfterEvaluation(t *testing.T) {
	t.Parallel()

	history := []Message{userMsg("hi"), assistantMsg("hi back"), userMsg("q"), superegoMsg("ok")}
	got := Assemble(history, ModeBase, 0, "q")
	want := []Turn{
		{Role: TurnUser, Content: "hi"},
		{Role: TurnAssistant, Content: "hi back"},
		{Role: TurnSystem, Content: "[SUPEREGO EVALUATION]: ok"},
		{Role: TurnUser, Content: "q"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Assemble mismatch (-want +got):\n%s", diff)
	}

	wantFolded := []Turn{
		{Role: TurnUser, Content: "hi"},
		{Role: TurnAssistant, Content: "hi back"},
		{Role: TurnUser, Content: "[SUPEREGO EVALUATION]: ok\n\nq"},
	}
	if diff := cmp.Diff(wantFolded, FoldAlternating(got)); diff != "" {
		t.Fatalf("FoldAlternating mismatch (-want +got):\n%s", diff)
	}

	// A different earlier user turn is left alone.
	got = Assemble([]Message{userMsg("other"), superegoMsg("ok")}, ModeBase, 0, "q")
	if len(got) != 3 || got[0].Content != "other" {
		t.Fatalf("turns=%+v", got)
	}
}

func TestAssemble_SuperegoModeReplaysRedactedEvaluations(t *testing.T) {
	t.Parallel()

	sup := superegoMsg("verdict")
	sup.RedactedThinking = []string{"OPAQUE"}
	history := []Message{userMsg("q"), sup, superegoMsg("plain"), assistantMsg("reply"), userMsg("again")}

	got := Assemble(history, ModeSuperego, 0, "again")
	want := []Turn{
		{Role: TurnUser, Content: "q"},
		{Role: TurnAssistant, Content: "verdict", Redacted: []string{"OPAQUE"}},
		{Role: TurnAssistant, Content: "reply"},
		{Role: TurnUser, Content: "Evaluate this user input: again"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Assemble mismatch (-want +got):\n%s", diff)
	}

	for _, mode := range []Mode{ModeComparison, ModeBase} {
		for _, turn := range Assemble(history, mode, 0, "again") {
			if len(turn.Redacted) > 0 {
				t.Fatalf("mode %s replayed redacted blocks: %+v", mode, turn)
			}
		}
	}
}

func TestAssemble_ComparisonAndSuperegoModesDropEvaluations(t *testing.T) {
	t.Parallel()

	history := []Message{userMsg("a"), superegoMsg("eval"), assistantMsg("b")}
	for _, mode := range []Mode{ModeComparison, ModeSuperego} {
		for _, turn := range Assemble(history, mode, 0, "c") {
			if turn.Role == TurnSystem {
				t.Fatalf("mode %s produced a system turn: %+v", mode, turn)
			}
		}
	}
}

func TestAssemble_TrailingInputNotDuplicated(t *testing.T) {
	t.Parallel()

	history := []Message{userMsg("first"), assistantMsg("reply"), userMsg("again")}
	got := Assemble(history, ModeComparison, 0, "again")
	if len(got) != 3 {
		t.Fatalf("len=%d, want 3: %+v", len(got), got)
	}

	// The evaluator prompt replaces the raw trailing input.
	sup := Assemble(history, ModeSuperego, 0, "again")
	want := []Turn{
		{Role: TurnUser, Content: "first"},
		{Role: TurnAssistant, Content: "reply"},
		{Role: TurnUser, Content: "Evaluate this user input: again"},
	}
	if diff := cmp.Diff(want, sup); diff != "" {
		t.Fatalf("Assemble mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_SkipsEmptyMessagesAndKeepsRedacted(t *testing.T) {
	t.Parallel()

	a := assistantMsg("answer")
	a.RedactedThinking = []string{"opaque"}
	got := Assemble([]Message{userMsg("q"), userMsg(""), a}, ModeBase, 0, "next")
	want := []Turn{
		{Role: TurnUser, Content: "q"},
		{Role: TurnAssistant, Content: "answer", Redacted: []string{"opaque"}},
		{Role: TurnUser, Content: "next"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Assemble mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_WindowBoundAndOrder(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	roles := []Role{RoleUser, RoleAssistant, RoleSuperego}
	modes := []Mode{ModeSuperego, ModeBase, ModeComparison}

	for iter := 0; iter < 300; iter++ {
		n := rng.Intn(12)
		history := make([]Message, n)
		for i := range history {
			history[i] = Message{Role: roles[rng.Intn(len(roles))], Content: fmt.Sprintf("m%d", i), Thinking: "t"}
		}
		limit := rng.Intn(8) - 1
		mode := modes[rng.Intn(len(modes))]
		got := Assemble(history, mode, limit, "input")

		bound := n + 1
		if limit > 0 && limit+1 < bound {
			bound = limit + 1
		}
		if len(got) > bound {
			t.Fatalf("iter %d: len=%d > bound %d (n=%d limit=%d mode=%s)", iter, len(got), bound, n, limit, mode)
		}

		// Non-synthetic turns keep the relative order of the window.
		window := WindowMessages(history, limit)
		pos := 0
		for _, turn := range got[:len(got)-1] {
			for pos < len(window) && !turnFrom(window[pos], turn) {
				pos++
			}
			if pos == len(window) {
				t.Fatalf("iter %d: turn %+v out of order", iter, turn)
			}
			pos++
		}
	}
}

func turnFrom(m Message, t Turn) bool {
	if m.Role == RoleSuperego {
		return t.Role == TurnSystem && t.Content == evaluationLabel+m.Content+"\n\n"+thinkingLabel+m.Thinking
	}
	return string(m.Role) == string(t.Role) && m.Content == t.Content
}

func TestWindowMessages(t *testing.T) {
	t.Parallel()

	h := []Message{userMsg("1"), userMsg("2"), userMsg("3")}
	if got := WindowMessages(h, 0); len(got) != 3 {
		t.Fatalf("limit 0 len=%d, want 3", len(got))
	}
	if got := WindowMessages(h, 5); len(got) != 3 {
		t.Fatalf("limit 5 len=%d, want 3", len(got))
	}
	got := WindowMessages(h, 2)
	if len(got) != 2 || got[0].Content != "2" || got[1].Content != "3" {
		t.Fatalf("limit 2=%+v, want last two", got)
	}
}

func TestFoldAlternating_LeadingNonUserGetsFiller(t *testing.T) {
	t.Parallel()

	got := FoldAlternating([]Turn{
		{Role: TurnAssistant, Content: "earlier answer"},
		{Role: TurnSystem, Content: "note"},
		{Role: TurnUser, Content: "question"},
	})
	want := []Turn{
		{Role: TurnUser, Content: "Hello"},
		{Role: TurnAssistant, Content: "earlier answer"},
		{Role: TurnUser, Content: "note\n\nquestion"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("FoldAlternating mismatch (-want +got):\n%s", diff)
	}

	got = FoldAlternating([]Turn{{Role: TurnSystem, Content: "note"}})
	want = []Turn{{Role: TurnUser, Content: "Hello\n\nnote"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("leading system mismatch (-want +got):\n%s", diff)
	}
}

func TestFoldAlternating_MergesRedactedOnAssistantRuns(t *testing.T) {
	t.Parallel()

	got := FoldAlternating([]Turn{
		{Role: TurnUser, Content: "q"},
		{Role: TurnAssistant, Content: "a1", Redacted: []string{"x"}},
		{Role: TurnAssistant, Content: "a2", Redacted: []string{"y"}},
	})
	want := []Turn{
		{Role: TurnUser, Content: "q"},
		{Role: TurnAssistant, Content: "a1\n\na2", Redacted: []string{"x", "y"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("FoldAlternating mismatch (-want +got):\n%s", diff)
	}
}

func TestFoldAlternating_Properties(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	roles := []TurnRole{TurnUser, TurnAssistant, TurnSystem}
	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(10)
		in := make([]Turn, n)
		for i := range in {
			in[i] = Turn{Role: roles[rng.Intn(len(roles))], Content: fmt.Sprintf("c%d", i)}
		}
		out := FoldAlternating(in)
		if len(out) == 0 || out[0].Role != TurnUser {
			t.Fatalf("iter %d: first turn not user: %+v", iter, out)
		}
		for i := 1; i < len(out); i++ {
			if out[i].Role == out[i-1].Role {
				t.Fatalf("iter %d: consecutive %s turns at %d: %+v", iter, out[i].Role, i, out)
			}
			if out[i].Role == TurnSystem {
				t.Fatalf("iter %d: system turn survived folding", iter)
			}
		}
	}
}

func TestFoldAlternating_IdentityOnLegalSequences(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 6; n++ {
		in := make([]Turn, n)
		for i := range in {
			role := TurnUser
			if i%2 == 1 {
				role = TurnAssistant
			}
			in[i] = Turn{Role: role, Content: fmt.Sprintf("t%d", i)}
		}
		if diff := cmp.Diff(in, FoldAlternating(in)); diff != "" {
			t.Fatalf("n=%d: fold changed a legal sequence (-want +got):\n%s", n, diff)
		}
	}
	if got := FoldAlternating(nil); got != nil {
		t.Fatalf("FoldAlternating(nil)=%+v, want nil", got)
	}
}

func TestFoldLoose_UnknownRoleFallsBackToUser(t *testing.T) {
	t.Parallel()

	got := FoldLoose([]Turn{
		{Role: TurnSystem, Content: "s"},
		{Role: TurnRole("tool"), Content: "x"},
		{Role: TurnAssistant, Content: "a"},
	})
	want := []Turn{
		{Role: TurnSystem, Content: "s"},
		{Role: TurnUser, Content: "x"},
		{Role: TurnAssistant, Content: "a"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("FoldLoose mismatch (-want +got):\n%s", diff)
	}
}
