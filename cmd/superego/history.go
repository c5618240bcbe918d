package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/floegence/superego-agent/internal/chat"
	"github.com/floegence/superego-agent/internal/config"
	"github.com/floegence/superego-agent/internal/lockfile"
	"github.com/floegence/superego-agent/internal/threadstore"
)

func printHistoryUsage() {
	fmt.Fprintf(os.Stderr, `Usage:
  superego history list [--limit N] [--cursor C] [--format text|json]
  superego history show <conversation-id>
  superego history export <conversation-id> [--out file]
  superego history import <file>
  superego history delete <conversation-id>
  superego history rename <conversation-id> <name...>

Every subcommand accepts --config <path>.
`)
}

func historyCmd(args []string) {
	if len(args) < 1 {
		printHistoryUsage()
		os.Exit(2)
	}
	sub, rest := args[0], args[1:]

	fs := flag.NewFlagSet("history "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Config path (default: ~/.superego/config.json)")
	limit := fs.Int("limit", 20, "list: page size (max 200)")
	cursor := fs.String("cursor", "", "list: cursor printed by the previous page")
	format := fs.String("format", "text", "list: output format text|json")
	out := fs.String("out", "", "export: output file (default: stdout)")
	_ = fs.Parse(rest)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v\n", err)
	}
	log := mustLogger(cfg)

	// Writers must not race an open chat session.
	mutates := sub == "import" || sub == "delete" || sub == "rename"
	if mutates {
		lk, err := lockfile.AcquireStateDir(cfg.StateDir())
		if err != nil {
			fatalf("cannot modify history while a chat is running: %v\n", err)
		}
		defer func() { _ = lk.Release() }()
	}

	store, err := openHistory(cfg)
	if err != nil {
		fatalf("%v\n", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	pos := fs.Args()
	switch sub {
	case "list":
		cur, ok := threadstore.DecodeCursor(*cursor)
		if !ok {
			fatalf("invalid --cursor\n")
		}
		err = listConversations(ctx, os.Stdout, store, *limit, cur, *format)
	case "show":
		requireArgs(pos, 1)
		err = showConversation(ctx, os.Stdout, store, pos[0])
	case "export":
		requireArgs(pos, 1)
		err = exportConversation(ctx, store, pos[0], *out)
	case "import":
		requireArgs(pos, 1)
		var sess *chat.Session
		sess, err = importConversation(ctx, cfg, store, pos[0], chat.Options{Logger: log})
		if err == nil {
			fmt.Printf("Imported %q as %s\n", sess.Name(), sess.ID())
		}
	case "delete":
		requireArgs(pos, 1)
		err = store.DeleteConversation(ctx, pos[0])
		if err == nil {
			fmt.Printf("Deleted %s\n", pos[0])
		}
	case "rename":
		requireArgs(pos, 2)
		err = store.RenameConversation(ctx, pos[0], strings.Join(pos[1:], " "))
		if err == nil {
			fmt.Printf("Renamed %s\n", pos[0])
		}
	default:
		printHistoryUsage()
		os.Exit(2)
	}
	if errors.Is(err, sql.ErrNoRows) {
		fatalf("conversation not found\n")
	}
	if err != nil {
		fatalf("history %s failed: %v\n", sub, err)
	}
}

func requireArgs(args []string, n int) {
	if len(args) < n || strings.TrimSpace(args[0]) == "" {
		printHistoryUsage()
		os.Exit(2)
	}
}

type conversationPage struct {
	Conversations []threadstore.Conversation `json:"conversations"`
	NextCursor    string                     `json:"next_cursor,omitempty"`
}

func listConversations(ctx context.Context, w io.Writer, store *threadstore.Store, limit int, cur threadstore.ConversationsCursor, format string) error {
	list, next, err := store.ListConversations(ctx, limit, cur)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(conversationPage{Conversations: list, NextCursor: next})
	case "", "text":
	default:
		return fmt.Errorf("invalid format %q (want text|json)", format)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No saved conversations.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tNAME\tLAST MESSAGE")
	for _, c := range list {
		updated := time.UnixMilli(c.UpdatedAtUnixMs).Local().Format("2006-01-02 15:04")
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.ConversationID, updated, c.MessageCount, c.Name, c.LastMessagePreview)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if next != "" {
		fmt.Fprintf(w, "\nMore: superego history list --cursor %s\n", next)
	}
	return nil
}

func showConversation(ctx context.Context, w io.Writer, store *threadstore.Store, id string) error {
	c, err := store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return sql.ErrNoRows
	}
	msgs, err := chat.LoadMessages(ctx, store, c.ConversationID)
	if err != nil {
		return err
	}
	st := newStyler(w)
	fmt.Fprintf(w, "%s  %s\n\n", st.wrap(ansiBold, c.Name), st.wrap(ansiDim, c.ConversationID))
	for _, m := range msgs {
		fmt.Fprintln(w, formatMessage(st, m))
	}
	return nil
}

func exportConversation(ctx context.Context, store *threadstore.Store, id string, outPath string) error {
	c, err := store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return sql.ErrNoRows
	}
	msgs, err := chat.LoadMessages(ctx, store, c.ConversationID)
	if err != nil {
		return err
	}
	t := chat.Transcript{
		ID:          c.ConversationID,
		Name:        c.Name,
		Messages:    msgs,
		LastUpdated: time.UnixMilli(c.UpdatedAtUnixMs).UTC(),
	}
	if strings.TrimSpace(outPath) == "" {
		return chat.WriteTranscript(os.Stdout, t)
	}
	return writeTranscriptFile(outPath, t)
}

func importConversation(ctx context.Context, cfg config.Config, store *threadstore.Store, path string, opts chat.Options) (*chat.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	t, err := chat.ReadTranscript(f)
	if err != nil {
		return nil, err
	}
	if opts.Pipeline == nil {
		orch, err := newOrchestrator(cfg, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Pipeline = orch
	}
	opts.Store = store
	return chat.Import(ctx, opts, t)
}
