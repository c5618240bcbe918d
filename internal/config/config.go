package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
)

// MinThinkingTokenBudget is the smallest extended-thinking budget Anthropic accepts.
const MinThinkingTokenBudget = 1024

// Config is the on-disk configuration for the superego pipeline.
//
// NOTE: This file may contain API keys. Always keep it chmod 0600.
//
// A Config is passed by value into every orchestrator call and is never retained by it.
type Config struct {
	// DefaultProvider selects the provider used for both stages ("anthropic" | "openrouter").
	DefaultProvider string `json:"default_provider"`

	Anthropic  ProviderConfig `json:"anthropic"`
	OpenRouter ProviderConfig `json:"openrouter"`

	// ConstitutionID selects the superego screening instructions.
	ConstitutionID string `json:"constitution_id"`

	// SystemPromptID optionally selects a system prompt for the base model.
	SystemPromptID string `json:"system_prompt_id,omitempty"`

	// ThinkingTokenBudget is the extended-thinking budget for the superego call.
	ThinkingTokenBudget int `json:"thinking_token_budget"`

	// ContextMessageLimit bounds how many history messages are forwarded.
	// Nil (or a non-positive value) forwards the full history.
	ContextMessageLimit *int `json:"context_message_limit,omitempty"`

	// SaveHistory persists conversations under StateDir.
	SaveHistory bool `json:"save_history"`

	// StateRoot overrides the state directory (conversations db, constitution overrides, lock).
	// If empty, ~/.superego is used.
	StateRoot string `json:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// Default returns the configuration a fresh install starts from.
func Default() Config {
	return Config{
		DefaultProvider: ProviderOpenRouter,
		Anthropic: ProviderConfig{
			SuperegoModel: "claude-3-7-sonnet-20250219",
			BaseModel:     "claude-3-7-sonnet-20250219",
		},
		OpenRouter: ProviderConfig{
			SuperegoModel: "anthropic/claude-3.7-sonnet",
			BaseModel:     "anthropic/claude-3.7-sonnet",
		},
		ConstitutionID:      "default",
		ThinkingTokenBudget: 4000,
		SaveHistory:         true,
		LogFormat:           "text",
		LogLevel:            "warn",
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.DefaultProvider) {
	case ProviderAnthropic, ProviderOpenRouter:
	default:
		return fmt.Errorf("invalid default_provider %q", c.DefaultProvider)
	}
	if err := c.Anthropic.validate(); err != nil {
		return fmt.Errorf("anthropic.%w", err)
	}
	if err := c.OpenRouter.validate(); err != nil {
		return fmt.Errorf("openrouter.%w", err)
	}
	if strings.TrimSpace(c.ConstitutionID) == "" {
		return errors.New("missing constitution_id")
	}
	if c.ThinkingTokenBudget < MinThinkingTokenBudget {
		return fmt.Errorf("invalid thinking_token_budget %d (must be >= %d)", c.ThinkingTokenBudget, MinThinkingTokenBudget)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// Provider returns the settings block for the given provider id.
func (c Config) Provider(id string) (ProviderConfig, bool) {
	switch strings.TrimSpace(id) {
	case ProviderAnthropic:
		return c.Anthropic, true
	case ProviderOpenRouter:
		return c.OpenRouter, true
	default:
		return ProviderConfig{}, false
	}
}

// ActiveProvider returns the id and settings of DefaultProvider.
func (c Config) ActiveProvider() (string, ProviderConfig) {
	id := strings.TrimSpace(c.DefaultProvider)
	p, _ := c.Provider(id)
	return id, p
}

// MessageLimit returns the context window size; 0 means unlimited.
func (c Config) MessageLimit() int {
	if c.ContextMessageLimit == nil || *c.ContextMessageLimit <= 0 {
		return 0
	}
	return *c.ContextMessageLimit
}

// WithConstitution returns a copy of c that screens with constitutionID.
func (c Config) WithConstitution(constitutionID string) Config {
	constitutionID = strings.TrimSpace(constitutionID)
	if constitutionID != "" {
		c.ConstitutionID = constitutionID
	}
	return c
}

// StateDir returns the directory holding conversations, overrides and the session lock.
func (c Config) StateDir() string {
	if dir := strings.TrimSpace(c.StateRoot); dir != "" {
		return filepath.Clean(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".superego"
	}
	return filepath.Join(home, ".superego")
}

// ApplyEnv fills empty API keys from ANTHROPIC_API_KEY / OPENROUTER_API_KEY.
// Keys already present in the file win.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c == nil || lookup == nil {
		return
	}
	if strings.TrimSpace(c.Anthropic.APIKey) == "" {
		if v, ok := lookup("ANTHROPIC_API_KEY"); ok {
			c.Anthropic.APIKey = strings.TrimSpace(v)
		}
	}
	if strings.TrimSpace(c.OpenRouter.APIKey) == "" {
		if v, ok := lookup("OPENROUTER_API_KEY"); ok {
			c.OpenRouter.APIKey = strings.TrimSpace(v)
		}
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.superego/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "superego.config.json"
	}
	return filepath.Join(home, ".superego", "config.json")
}

// Load reads the config at path. Missing fields keep their Default() values.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
