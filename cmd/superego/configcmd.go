package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/superego-agent/internal/config"
)

func configCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage:\n  superego config init [--config path] [--provider anthropic|openrouter] [--force]\n  superego config show [--config path]\n")
		os.Exit(2)
	}
	sub, rest := args[0], args[1:]

	flags := flag.NewFlagSet("config "+sub, flag.ExitOnError)
	configPath := flags.String("config", "", "Config path (default: ~/.superego/config.json)")
	provider := flags.String("provider", "", "init: default provider anthropic|openrouter")
	force := flags.Bool("force", false, "init: overwrite an existing file")
	_ = flags.Parse(rest)

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.DefaultConfigPath()
	}
	path = filepath.Clean(path)

	switch sub {
	case "init":
		if _, err := os.Stat(path); err == nil && !*force {
			fatalf("config already exists: %s (use --force to overwrite)\n", path)
		} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
			fatalf("failed to stat config: %v\n", err)
		}
		cfg := config.Default()
		if p := strings.ToLower(strings.TrimSpace(*provider)); p != "" {
			cfg.DefaultProvider = p
		}
		if err := config.Save(path, &cfg); err != nil {
			fatalf("failed to write config: %v\n", err)
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Printf("Add api_key to the %q block or export %s.\n", cfg.DefaultProvider, apiKeyEnv(cfg.DefaultProvider))
	case "show":
		cfg, p, err := loadConfig(path)
		if err != nil {
			fatalf("%v\n", err)
		}
		b, err := json.MarshalIndent(redactConfig(cfg), "", "  ")
		if err != nil {
			fatalf("failed to encode config: %v\n", err)
		}
		fmt.Printf("# %s\n%s\n", p, b)
	default:
		fatalf("unknown config subcommand %q\n", sub)
	}
}

// redactConfig masks API keys so `config show` output is safe to paste.
func redactConfig(cfg config.Config) config.Config {
	cfg.Anthropic.APIKey = redactKey(cfg.Anthropic.APIKey)
	cfg.OpenRouter.APIKey = redactKey(cfg.OpenRouter.APIKey)
	return cfg
}

func redactKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "***" + key[len(key)-4:]
}

func apiKeyEnv(provider string) string {
	if strings.TrimSpace(provider) == config.ProviderAnthropic {
		return "ANTHROPIC_API_KEY"
	}
	return "OPENROUTER_API_KEY"
}
