package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/superego-agent/internal/config"
	"github.com/floegence/superego-agent/internal/constitution"
	"github.com/floegence/superego-agent/internal/superego"
	"github.com/floegence/superego-agent/internal/threadstore"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "chat":
		chatCmd(os.Args[2:])
	case "evaluate":
		evaluateCmd(os.Args[2:])
	case "constitutions":
		constitutionsCmd(os.Args[2:])
	case "history":
		historyCmd(os.Args[2:])
	case "config":
		configCmd(os.Args[2:])
	case "version":
		fmt.Printf("superego %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `superego

Usage:
  superego chat [flags]
  superego evaluate [flags] <input...>
  superego constitutions [flags]
  superego history list|show|export|import|delete|rename [flags]
  superego config init|show [flags]
  superego version

Commands:
  chat           Interactive conversation: every message is screened before the base model sees it.
  evaluate       Screen one input (args or stdin); optionally ask the base model afterwards.
  constitutions  List constitutions and system prompts (built-in and <state dir>/constitutions).
  history        Manage saved conversations.
  config         Create or print the config file.
  version        Print build information.

API keys may be left out of the config file and supplied via ANTHROPIC_API_KEY / OPENROUTER_API_KEY.

`)
}

// loadConfig reads path (default ~/.superego/config.json) and overlays env credentials.
// A missing file yields the defaults so a fresh machine works with env keys alone.
func loadConfig(path string) (config.Config, string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		p = config.DefaultConfigPath()
	}
	p = filepath.Clean(p)

	cfg := config.Default()
	loaded, err := config.Load(p)
	switch {
	case err == nil:
		cfg = *loaded
	case errors.Is(err, fs.ErrNotExist):
	default:
		return config.Config{}, p, fmt.Errorf("failed to load config (%s): %w", p, err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, p, nil
}

func newLogger(w io.Writer, format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	// Logs go to stderr; stdout carries the streamed text.
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}

func mustLogger(cfg config.Config) *slog.Logger {
	log, err := newLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(log)
	return log
}

func constitutionDir(cfg config.Config) string {
	return filepath.Join(cfg.StateDir(), "constitutions")
}

func historyDBPath(cfg config.Config) string {
	return filepath.Join(cfg.StateDir(), "conversations.sqlite")
}

func newOrchestrator(cfg config.Config, log *slog.Logger) (*superego.Orchestrator, error) {
	return superego.NewOrchestrator(superego.Options{
		Logger:  log,
		Prompts: constitution.NewDefaultResolver(constitutionDir(cfg)),
	})
}

func openHistory(cfg config.Config) (*threadstore.Store, error) {
	s, err := threadstore.Open(historyDBPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open history (%s): %w", historyDBPath(cfg), err)
	}
	return s, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
