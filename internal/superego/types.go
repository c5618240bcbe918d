package superego

import "time"

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSuperego  Role = "superego"
)

// Decision is the state of a superego evaluation.
//
// ANALYZING is only visible while the stream is open; ANALYZED and ERROR are terminal.
type Decision string

const (
	DecisionAnalyzing Decision = "ANALYZING"
	DecisionAnalyzed  Decision = "ANALYZED"
	DecisionError     Decision = "ERROR"
)

// RedactedThinkingMarker is what a redacted reasoning block renders as in Message.Thinking.
const RedactedThinkingMarker = "[REDACTED THINKING]"

// Message is one entry of a conversation.
//
// JSON field names match the chat export format.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Superego-only fields.
	Decision       Decision `json:"decision,omitempty"`
	ConstitutionID string   `json:"constitutionId,omitempty"`
	Thinking       string   `json:"thinking,omitempty"`
	// ThinkingTime is an estimated reasoning token count, not a duration.
	ThinkingTime string `json:"thinkingTime,omitempty"`
	// RedactedThinking holds opaque reasoning blocks verbatim, in arrival order.
	RedactedThinking []string `json:"redactedThinking,omitempty"`

	StopReason string `json:"stopReason,omitempty"`
}

// TurnRole is the role of a provider-agnostic turn.
type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
	TurnSystem    TurnRole = "system"
)

// Turn is the normalized form of a message before provider folding.
type Turn struct {
	Role    TurnRole
	Content string
	// Redacted carries opaque reasoning blocks that must be replayed with an assistant turn.
	Redacted []string
}

// DeltaKind discriminates canonical stream fragments.
type DeltaKind string

const (
	DeltaContent          DeltaKind = "content"
	DeltaThinking         DeltaKind = "thinking"
	DeltaThinkingRedacted DeltaKind = "thinking-redacted"
	DeltaStop             DeltaKind = "stop"
)

// Delta is one decoded stream fragment.
//
// For DeltaThinkingRedacted, Text is the opaque block data. For DeltaStop, StopReason is set.
type Delta struct {
	Kind       DeltaKind
	Text       string
	StopReason string
}

// Mode selects how Assemble projects history.
type Mode string

const (
	// ModeSuperego builds the evaluator context: superego messages are dropped unless they
	// carry redacted reasoning, which is replayed as an assistant turn.
	ModeSuperego Mode = "superego"
	// ModeBase builds the response context with superego messages as system turns.
	ModeBase Mode = "base"
	// ModeComparison builds the response context without any superego messages.
	ModeComparison Mode = "comparison"
)
