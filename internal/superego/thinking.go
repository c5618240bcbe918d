package superego

import (
	"math"
	"strconv"
	"unicode/utf8"
)

const (
	// MinThinkingBudget is the smallest budget for which extended reasoning is requested.
	MinThinkingBudget = 1024

	// EvaluatorMaxTokens is the response cap for an evaluation without extended reasoning.
	EvaluatorMaxTokens = 1000

	// ResponderMaxTokens is the response cap for the base model.
	ResponderMaxTokens = 4000
)

// ThinkingEnabled reports whether budget is large enough to request extended reasoning.
func ThinkingEnabled(budget int) bool {
	return budget >= MinThinkingBudget
}

// ResponseTokenCap returns the max_tokens for an evaluation so the reasoning budget fits
// strictly inside the response cap.
func ResponseTokenCap(budget int) int {
	return max(EvaluatorMaxTokens, budget+1000)
}

// EstimateThinkingTokens approximates a token count for reasoning text at four characters
// per token.
func EstimateThinkingTokens(thinking string) string {
	n := utf8.RuneCountInString(thinking)
	return strconv.Itoa(int(math.Round(float64(n) / 4)))
}
