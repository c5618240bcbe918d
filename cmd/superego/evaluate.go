package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/floegence/superego-agent/internal/chat"
	"github.com/floegence/superego-agent/internal/superego"
)

type evaluateOutput struct {
	Evaluation superego.Message  `json:"evaluation"`
	Response   *superego.Message `json:"response,omitempty"`
	Comparison *superego.Message `json:"comparison,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func evaluateCmd(args []string) {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	configPath := fs.String("config", "", "Config path (default: ~/.superego/config.json)")
	constitutionID := fs.String("constitution", "", "Constitution id (default: from config)")
	provider := fs.String("provider", "", "Provider: anthropic|openrouter (default: from config)")
	respond := fs.Bool("respond", false, "Send the input to the base model when the evaluation succeeds")
	compare := fs.Bool("compare", false, "With --respond, also ask the base model without screening")
	format := fs.String("format", "text", "Output format: text|json")
	_ = fs.Parse(args)

	var stdin io.Reader
	if !isTerminalReader(os.Stdin) {
		stdin = os.Stdin
	}
	input, err := readInput(fs.Args(), stdin)
	if err != nil && stdin != nil {
		fatalf("failed to read stdin: %v\n", err)
	}
	if input == "" {
		fs.Usage()
		os.Exit(2)
	}
	outFormat := strings.ToLower(strings.TrimSpace(*format))
	if outFormat != "text" && outFormat != "json" {
		fmt.Fprintf(os.Stderr, "invalid --format %q (want text|json)\n\n", *format)
		fs.Usage()
		os.Exit(2)
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v\n", err)
	}
	cfg, err = applyOverrides(cfg, *provider, *constitutionID)
	if err != nil {
		fatalf("%v\n", err)
	}
	log := mustLogger(cfg)

	orch, err := newOrchestrator(cfg, log)
	if err != nil {
		fatalf("failed to init orchestrator: %v\n", err)
	}
	sess, err := chat.New(chat.Options{Logger: log, Pipeline: orch})
	if err != nil {
		fatalf("%v\n", err)
	}

	providerID, pcfg := cfg.ActiveProvider()
	var cb chat.Callbacks
	var p *streamPrinter
	if outFormat == "text" {
		p = newStreamPrinter(os.Stdout)
		cb = p.callbacks()
	}

	var out evaluateOutput
	withInterrupt(func(ctx context.Context) {
		out.Evaluation, err = sess.Submit(ctx, input, cfg, cb)
	})
	if err != nil {
		fatalf("%s\n", superego.Describe(providerID, pcfg.SuperegoModel, err))
	}
	if p != nil {
		p.finishEvaluation(out.Evaluation)
	}

	failed := out.Evaluation.Decision != superego.DecisionAnalyzed
	if *respond && !failed {
		if p != nil {
			p = newStreamPrinter(os.Stdout)
			fmt.Fprintln(os.Stdout, p.st.wrap(ansiBold, "ASSISTANT"))
			cb = p.callbacks()
		}
		var res superego.RespondResult
		withInterrupt(func(ctx context.Context) {
			res, err = sess.Proceed(ctx, cfg, *compare, cb)
		})
		if p != nil {
			fmt.Fprintln(os.Stdout)
		}
		if err != nil {
			failed = true
			out.Error = superego.Describe(providerID, pcfg.BaseModel, err)
			if p != nil {
				fmt.Fprintln(os.Stderr, out.Error)
			}
		} else {
			out.Response = &res.Message
			if res.Comparison != nil {
				if p != nil {
					printComparison(os.Stdout, p.st, res.Comparison)
				}
				if res.Comparison.Err == nil {
					out.Comparison = &res.Comparison.Message
				}
			}
		}
	}

	if outFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatalf("failed to encode output: %v\n", err)
		}
	}
	if failed {
		os.Exit(1)
	}
}

// readInput is the text of args, or all of r when args are empty.
func readInput(args []string, r io.Reader) (string, error) {
	if input := strings.TrimSpace(strings.Join(args, " ")); input != "" {
		return input, nil
	}
	if r == nil {
		return "", errors.New("no input")
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
