package superego

import "strings"

const (
	evaluatorInputPrefix = "Evaluate this user input: "
	evaluationLabel      = "[SUPEREGO EVALUATION]: "
	thinkingLabel        = "[SUPEREGO THINKING]: "
)

// EvaluatorPrompt wraps a raw user input for the superego model.
func EvaluatorPrompt(input string) string {
	return evaluatorInputPrefix + input
}

// WindowMessages keeps the most recent limit messages. limit <= 0 keeps everything.
func WindowMessages(history []Message, limit int) []Message {
	if limit <= 0 || len(history) <= limit {
		return history
	}
	return history[len(history)-limit:]
}

// Assemble turns a conversation into provider-agnostic turns for one model call.
//
// The result always ends with a user turn carrying the new input. In ModeSuperego the
// input is wrapped with EvaluatorPrompt, and a raw copy of it at the end of history is
// replaced rather than repeated. In ModeBase a raw copy sitting right before the trailing
// evaluations is moved after them.
func Assemble(history []Message, mode Mode, limit int, input string) []Turn {
	window := WindowMessages(history, limit)
	out := make([]Turn, 0, len(window)+1)
	for _, m := range window {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case RoleUser:
			out = append(out, Turn{Role: TurnUser, Content: m.Content})
		case RoleAssistant:
			t := Turn{Role: TurnAssistant, Content: m.Content}
			if len(m.RedactedThinking) > 0 {
				t.Redacted = append([]string(nil), m.RedactedThinking...)
			}
			out = append(out, t)
		case RoleSuperego:
			if mode == ModeSuperego && len(m.RedactedThinking) > 0 {
				// The evaluator's own redacted reasoning must be replayed on its next call.
				out = append(out, Turn{Role: TurnAssistant, Content: m.Content, Redacted: append([]string(nil), m.RedactedThinking...)})
				continue
			}
			if mode != ModeBase {
				continue
			}
			// One system turn per evaluation keeps the output bounded by the window size.
			text := evaluationLabel + m.Content
			if m.Thinking != "" {
				text += "\n\n" + thinkingLabel + m.Thinking
			}
			out = append(out, Turn{Role: TurnSystem, Content: text})
		}
	}

	want := input
	switch mode {
	case ModeSuperego:
		want = EvaluatorPrompt(input)
		if n := len(out); n > 0 && out[n-1].Role == TurnUser && out[n-1].Content == input {
			out = out[:n-1]
		}
	case ModeBase:
		i := len(out)
		for i > 0 && out[i-1].Role == TurnSystem {
			i--
		}
		if i > 0 && i < len(out) && out[i-1].Role == TurnUser && out[i-1].Content == input {
			out = append(out[:i-1], out[i:]...)
		}
	}
	if n := len(out); n > 0 && out[n-1].Role == TurnUser && out[n-1].Content == want {
		return out
	}
	return append(out, Turn{Role: TurnUser, Content: want})
}

// FoldAlternating rewrites turns into a strictly alternating user/assistant sequence that
// starts with a user turn.
//
// System turns become user turns. Neighbours that end up with the same role are merged
// with a blank line between them. A leading non-user turn gets a "Hello" user turn in
// front of it.
func FoldAlternating(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}
	out := make([]Turn, 0, len(turns)+1)
	if turns[0].Role != TurnUser {
		out = append(out, Turn{Role: TurnUser, Content: "Hello"})
	}
	for _, t := range turns {
		role := t.Role
		if role != TurnAssistant {
			role = TurnUser
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			prev := &out[n-1]
			prev.Content = joinBlocks(prev.Content, t.Content)
			if len(t.Redacted) > 0 {
				prev.Redacted = append(prev.Redacted, t.Redacted...)
			}
			continue
		}
		next := Turn{Role: role, Content: t.Content}
		if len(t.Redacted) > 0 {
			next.Redacted = append([]string(nil), t.Redacted...)
		}
		out = append(out, next)
	}
	return out
}

// FoldLoose maps turns for providers that accept native system/user/assistant roles.
func FoldLoose(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		switch t.Role {
		case TurnUser, TurnAssistant, TurnSystem:
		default:
			t.Role = TurnUser
		}
		out[i] = t
	}
	return out
}

func joinBlocks(a, b string) string {
	switch {
	case strings.TrimSpace(a) == "":
		return b
	case strings.TrimSpace(b) == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
