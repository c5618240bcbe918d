package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/floegence/superego-agent/internal/config"
	"github.com/floegence/superego-agent/internal/superego"
)

// ANSI color codes for terminal styling.
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiRed    = "\033[91m"
	ansiGreen  = "\033[92m"
	ansiYellow = "\033[93m"
	ansiCyan   = "\033[96m"
)

type bannerOptions struct {
	Version        string
	Provider       string
	SuperegoModel  string
	BaseModel      string
	ConstitutionID string
	ConversationID string
	SaveHistory    bool
}

func printBanner(w io.Writer, opts bannerOptions) {
	st := newStyler(w)
	fmt.Fprintln(w)
	fmt.Fprintln(w, st.wrap(ansiBold, "superego")+" "+st.wrap(ansiDim, opts.Version))
	fmt.Fprintf(w, "Provider:     %s\n", config.ProviderDisplayName(opts.Provider))
	fmt.Fprintf(w, "Models:       %s (superego), %s (base)\n", opts.SuperegoModel, opts.BaseModel)
	fmt.Fprintf(w, "Constitution: %s\n", st.wrap(ansiCyan, opts.ConstitutionID))
	if opts.SaveHistory {
		fmt.Fprintf(w, "Conversation: %s\n", opts.ConversationID)
	} else {
		fmt.Fprintln(w, "Conversation: not saved")
	}
	fmt.Fprintln(w, st.wrap(ansiDim, "Type /help for commands."))
	fmt.Fprintln(w)
}

// styler applies ANSI codes only when writing to a terminal.
type styler struct {
	enabled bool
	width   int
}

func newStyler(w io.Writer) styler {
	return styler{enabled: isTerminalWriter(w), width: terminalWidth(w)}
}

func (s styler) wrap(code string, text string) string {
	if !s.enabled || text == "" {
		return text
	}
	return code + text + ansiReset
}

func (s styler) rule() string {
	n := s.width
	if n <= 0 || n > 72 {
		n = 72
	}
	return s.wrap(ansiDim, strings.Repeat("-", n))
}

func (s styler) decision(d superego.Decision) string {
	switch d {
	case superego.DecisionAnalyzed:
		return s.wrap(ansiGreen, string(d))
	case superego.DecisionError:
		return s.wrap(ansiRed, string(d))
	default:
		return s.wrap(ansiYellow, string(d))
	}
}

// evaluationFooter summarizes a finished evaluation below its streamed text.
func evaluationFooter(st styler, m superego.Message) string {
	parts := []string{"decision: " + st.decision(m.Decision)}
	if m.ConstitutionID != "" {
		parts = append(parts, "constitution: "+m.ConstitutionID)
	}
	if m.ThinkingTime != "" && m.ThinkingTime != "0" {
		parts = append(parts, "thinking: ~"+m.ThinkingTime+" tokens")
	}
	if len(m.RedactedThinking) > 0 {
		parts = append(parts, fmt.Sprintf("redacted blocks: %d", len(m.RedactedThinking)))
	}
	return "[" + strings.Join(parts, " | ") + "]"
}

// formatMessage renders one stored message for `history show` and `/history`.
func formatMessage(st styler, m superego.Message) string {
	var b strings.Builder
	label := strings.ToUpper(string(m.Role))
	if m.Role == superego.RoleSuperego {
		label = st.wrap(ansiCyan, label)
	} else {
		label = st.wrap(ansiBold, label)
	}
	fmt.Fprintf(&b, "%s  %s  %s\n", label, st.wrap(ansiDim, m.ID), st.wrap(ansiDim, m.Timestamp.Local().Format("2006-01-02 15:04:05")))
	if m.Role == superego.RoleSuperego && strings.TrimSpace(m.Thinking) != "" {
		fmt.Fprintln(&b, st.wrap(ansiDim, "thinking: "+m.Thinking))
	}
	fmt.Fprintln(&b, m.Content)
	if m.Role == superego.RoleSuperego {
		fmt.Fprintln(&b, evaluationFooter(st, m))
	}
	return b.String()
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}
