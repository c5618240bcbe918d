package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/floegence/superego-agent/internal/chat"
	"github.com/floegence/superego-agent/internal/config"
	"github.com/floegence/superego-agent/internal/constitution"
	"github.com/floegence/superego-agent/internal/lockfile"
	"github.com/floegence/superego-agent/internal/superego"
)

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", "", "Config path (default: ~/.superego/config.json)")
	resume := fs.String("conversation", "", "Resume a saved conversation by id")
	constitutionID := fs.String("constitution", "", "Constitution id (default: from config)")
	provider := fs.String("provider", "", "Provider: anthropic|openrouter (default: from config)")
	compare := fs.Bool("compare", false, "Also ask the base model without superego screening and print both answers")
	auto := fs.Bool("auto", false, "Send ANALYZED evaluations to the base model without waiting for /proceed")
	_ = fs.Parse(args)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v\n", err)
	}
	cfg, err = applyOverrides(cfg, *provider, *constitutionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		fs.Usage()
		os.Exit(2)
	}
	log := mustLogger(cfg)

	// One interactive session per state dir; two writers would interleave the same history.
	lk, err := lockfile.AcquireStateDir(cfg.StateDir())
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			fatalf("another superego chat is running: %v\n", err)
		}
		fatalf("failed to lock state dir: %v\n", err)
	}
	defer func() { _ = lk.Release() }()

	orch, err := newOrchestrator(cfg, log)
	if err != nil {
		fatalf("failed to init orchestrator: %v\n", err)
	}
	opts := chat.Options{Logger: log, Pipeline: orch}
	if cfg.SaveHistory {
		store, err := openHistory(cfg)
		if err != nil {
			fatalf("%v\n", err)
		}
		defer func() { _ = store.Close() }()
		opts.Store = store
	}

	var sess *chat.Session
	if id := strings.TrimSpace(*resume); id != "" {
		if opts.Store == nil {
			fatalf("cannot resume %s: save_history is off\n", id)
		}
		sess, err = chat.Open(context.Background(), opts, id)
	} else {
		sess, err = chat.New(opts)
	}
	if err != nil {
		fatalf("failed to start conversation: %v\n", err)
	}

	providerID, pcfg := cfg.ActiveProvider()
	printBanner(os.Stdout, bannerOptions{
		Version:        Version,
		Provider:       providerID,
		SuperegoModel:  pcfg.SuperegoModel,
		BaseModel:      pcfg.BaseModel,
		ConstitutionID: cfg.ConstitutionID,
		ConversationID: sess.ID(),
		SaveHistory:    cfg.SaveHistory,
	})

	r := &repl{
		in:      os.Stdin,
		out:     os.Stdout,
		sess:    sess,
		cfg:     cfg,
		prompts: constitution.NewDefaultResolver(constitutionDir(cfg)),
		compare: *compare,
		auto:    *auto,
		prompt:  isTerminalWriter(os.Stdout) && isTerminalReader(os.Stdin),
	}
	if err := r.run(); err != nil {
		fatalf("chat: %v\n", err)
	}
}

// applyOverrides layers command-line choices over the file config.
func applyOverrides(cfg config.Config, provider string, constitutionID string) (config.Config, error) {
	if p := strings.ToLower(strings.TrimSpace(provider)); p != "" {
		cfg.DefaultProvider = p
	}
	cfg = cfg.WithConstitution(constitutionID)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func isTerminalReader(f *os.File) bool {
	return isTerminalWriter(f)
}

type repl struct {
	in      io.Reader
	out     io.Writer
	sess    *chat.Session
	cfg     config.Config
	prompts *constitution.Resolver
	compare bool
	auto    bool
	prompt  bool
}

const replHelp = `Commands:
  /proceed                 Send the pending evaluation and input to the base model
  /discard                 Drop the pending evaluation
  /reevaluate <id>         Screen the last input again with constitution <id>
  /constitutions           List constitutions
  /history                 Print this conversation
  /edit <message-id> <text>
  /delete <message-id>     Delete a message and everything after it
  /retry <message-id>      Screen a past user message again, dropping later messages
  /clear                   Remove every message
  /export [file]           Write the conversation as JSON (default: <name>-<date>.json)
  /quit
Anything else is sent as a new message.
`

func (r *repl) run() error {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for {
		if r.prompt {
			fmt.Fprint(r.out, "> ")
		}
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		name, rest, isCmd := parseCommand(line)
		if !isCmd {
			r.submit(line)
			continue
		}
		if name == "quit" || name == "exit" {
			return nil
		}
		if err := r.command(name, rest); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// parseCommand splits "/name rest" into its parts. Lines not starting with "/" are messages.
func parseCommand(line string) (name string, rest string, ok bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") || len(line) == 1 {
		return "", "", false
	}
	body := line[1:]
	name, rest, _ = strings.Cut(body, " ")
	return strings.ToLower(name), strings.TrimSpace(rest), true
}

func (r *repl) command(name string, rest string) error {
	ctx := context.Background()
	switch name {
	case "help":
		fmt.Fprint(r.out, replHelp)
	case "proceed", "send":
		return r.proceed()
	case "discard":
		r.sess.Discard()
		fmt.Fprintln(r.out, "Evaluation discarded.")
	case "reevaluate":
		if rest == "" {
			return errors.New("usage: /reevaluate <constitution-id>")
		}
		return r.evaluate(func(ctx context.Context, cb chat.Callbacks) (superego.Message, error) {
			return r.sess.Reevaluate(ctx, rest, r.cfg, cb)
		})
	case "constitutions":
		return printPrompts(ctx, r.out, r.prompts, constitution.KindConstitution, r.cfg.ConstitutionID)
	case "history":
		st := newStyler(r.out)
		for _, m := range r.sess.Messages() {
			fmt.Fprintln(r.out, formatMessage(st, m))
		}
		if pending, ok := r.sess.Pending(); ok {
			fmt.Fprintln(r.out, "(pending)")
			fmt.Fprintln(r.out, formatMessage(st, pending))
		}
	case "edit":
		id, text, _ := strings.Cut(rest, " ")
		if strings.TrimSpace(id) == "" || strings.TrimSpace(text) == "" {
			return errors.New("usage: /edit <message-id> <text>")
		}
		return r.sess.Edit(ctx, id, strings.TrimSpace(text))
	case "delete":
		if rest == "" {
			return errors.New("usage: /delete <message-id>")
		}
		return r.sess.Delete(ctx, rest)
	case "retry":
		if rest == "" {
			return errors.New("usage: /retry <message-id>")
		}
		return r.evaluate(func(ctx context.Context, cb chat.Callbacks) (superego.Message, error) {
			return r.sess.RetryFrom(ctx, rest, r.cfg, cb)
		})
	case "clear":
		if err := r.sess.Clear(ctx); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "Conversation cleared.")
	case "export":
		path := rest
		if path == "" {
			path = exportFileName(r.sess.Name(), time.Now())
		}
		if err := writeTranscriptFile(path, r.sess.Transcript()); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Exported to %s\n", path)
	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
	return nil
}

func (r *repl) submit(line string) {
	// A new message replaces an undecided evaluation.
	r.sess.Discard()
	err := r.evaluate(func(ctx context.Context, cb chat.Callbacks) (superego.Message, error) {
		return r.sess.Submit(ctx, line, r.cfg, cb)
	})
	if errors.Is(err, superego.ErrProviderNotConfigured) {
		providerID, pcfg := r.cfg.ActiveProvider()
		err = errors.New(superego.Describe(providerID, pcfg.SuperegoModel, err))
	}
	if err != nil {
		fmt.Fprintf(r.out, "error: %v\n", err)
		return
	}
	pending, ok := r.sess.Pending()
	if !ok {
		return
	}
	switch {
	case pending.Decision != superego.DecisionAnalyzed:
		fmt.Fprintln(r.out, "Use /reevaluate <id> or /discard.")
	case r.auto:
		if err := r.proceed(); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	default:
		fmt.Fprintln(r.out, "Use /proceed to send it to the base model, or /discard.")
	}
}

// withInterrupt runs fn with a context that Ctrl-C cancels.
func withInterrupt(fn func(ctx context.Context)) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fn(ctx)
}

func (r *repl) evaluate(fn func(ctx context.Context, cb chat.Callbacks) (superego.Message, error)) error {
	p := newStreamPrinter(r.out)
	var (
		msg superego.Message
		err error
	)
	withInterrupt(func(ctx context.Context) {
		msg, err = fn(ctx, p.callbacks())
	})
	if err != nil {
		return err
	}
	p.finishEvaluation(msg)
	return nil
}

func (r *repl) proceed() error {
	pending, ok := r.sess.Pending()
	if !ok {
		return chat.ErrNoEvaluation
	}
	if pending.Decision != superego.DecisionAnalyzed {
		return chat.ErrEvaluationFailed
	}
	p := newStreamPrinter(r.out)
	var (
		res superego.RespondResult
		err error
	)
	withInterrupt(func(ctx context.Context) {
		fmt.Fprintln(r.out, p.st.wrap(ansiBold, "ASSISTANT"))
		res, err = r.sess.Proceed(ctx, r.cfg, r.compare, p.callbacks())
	})
	fmt.Fprintln(r.out)
	if err != nil {
		providerID, pcfg := r.cfg.ActiveProvider()
		return errors.New(superego.Describe(providerID, pcfg.BaseModel, err))
	}
	printComparison(r.out, p.st, res.Comparison)
	return nil
}

func printComparison(w io.Writer, st styler, c *superego.Comparison) {
	if c == nil {
		return
	}
	fmt.Fprintln(w, st.rule())
	fmt.Fprintln(w, st.wrap(ansiBold, "WITHOUT SUPEREGO"))
	if c.Err != nil {
		fmt.Fprintf(w, "comparison failed: %v\n", c.Err)
		return
	}
	fmt.Fprintln(w, c.Message.Content)
}

// streamPrinter writes evaluation and response fragments as they arrive.
type streamPrinter struct {
	w  io.Writer
	st styler

	inThinking bool
	sawContent bool
}

func newStreamPrinter(w io.Writer) *streamPrinter {
	return &streamPrinter{w: w, st: newStyler(w)}
}

func (p *streamPrinter) callbacks() chat.Callbacks {
	return chat.Callbacks{
		OnEvaluationStart: func(m superego.Message) {
			fmt.Fprintf(p.w, "%s %s\n", p.st.wrap(ansiCyan, "SUPEREGO"), p.st.wrap(ansiDim, "("+m.ConstitutionID+")"))
		},
		OnThinking: func(s string) {
			if !p.inThinking {
				p.inThinking = true
				fmt.Fprint(p.w, p.st.wrap(ansiDim, "thinking: "))
			}
			fmt.Fprint(p.w, p.st.wrap(ansiDim, s))
		},
		OnEvaluationContent: p.content,
		OnResponseContent:   p.content,
	}
}

func (p *streamPrinter) content(s string) {
	if p.inThinking {
		p.inThinking = false
		fmt.Fprintln(p.w)
		fmt.Fprintln(p.w)
	}
	p.sawContent = true
	fmt.Fprint(p.w, s)
}

func (p *streamPrinter) finishEvaluation(m superego.Message) {
	if p.inThinking {
		p.inThinking = false
		fmt.Fprintln(p.w)
	}
	if !p.sawContent && m.Content != "" {
		fmt.Fprint(p.w, m.Content)
	}
	fmt.Fprintln(p.w)
	fmt.Fprintln(p.w, evaluationFooter(p.st, m))
}

// exportFileName follows "<name>-<yyyy-mm-dd>.json" with path separators removed.
func exportFileName(name string, now time.Time) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "conversation"
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
	return filepath.Clean(fmt.Sprintf("%s-%s.json", name, now.Format("2006-01-02")))
}

func writeTranscriptFile(path string, t chat.Transcript) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := chat.WriteTranscript(f, t); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
