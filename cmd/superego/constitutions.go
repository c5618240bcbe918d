package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/floegence/superego-agent/internal/constitution"
)

func constitutionsCmd(args []string) {
	fs := flag.NewFlagSet("constitutions", flag.ExitOnError)
	configPath := fs.String("config", "", "Config path (default: ~/.superego/config.json)")
	show := fs.String("show", "", "Print the full text of one constitution (or system prompt with --system-prompts)")
	systemPrompts := fs.Bool("system-prompts", false, "List base-model system prompts instead of constitutions")
	_ = fs.Parse(args)

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fatalf("%v\n", err)
	}
	r := constitution.NewDefaultResolver(constitutionDir(cfg))
	kind, active := constitution.KindConstitution, cfg.ConstitutionID
	if *systemPrompts {
		kind, active = constitution.KindSystemPrompt, cfg.SystemPromptID
	}

	ctx := context.Background()
	if id := strings.TrimSpace(*show); id != "" {
		p, err := r.Lookup(ctx, kind, id)
		if err != nil {
			fatalf("%v\n", err)
		}
		fmt.Println(p.Content)
		return
	}
	if err := printPrompts(ctx, os.Stdout, r, kind, active); err != nil {
		fatalf("%v\n", err)
	}
	fmt.Fprintf(os.Stdout, "\nOverrides are read from %s\n", constitutionDir(cfg))
}

// printPrompts lists one kind of prompt, marking the active id with "*".
func printPrompts(ctx context.Context, w io.Writer, r *constitution.Resolver, kind constitution.Kind, active string) error {
	prompts, err := r.List(ctx, kind)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tSOURCE")
	for _, p := range prompts {
		mark := ""
		if p.ID == strings.TrimSpace(active) {
			mark = "*"
		}
		source := "custom"
		if p.BuiltIn {
			source = "built-in"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", mark, p.ID, p.Name, source)
	}
	return tw.Flush()
}
