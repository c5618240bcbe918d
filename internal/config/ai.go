package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ProviderConfig holds one provider's credentials, endpoint and per-role models.
//
// Notes:
//   - APIKey may be left empty in the file and supplied via environment (see Config.ApplyEnv).
//   - BaseURL is optional; provider defaults apply when empty.
type ProviderConfig struct {
	APIKey string `json:"api_key,omitempty"`

	// BaseURL overrides the provider endpoint (example: "https://openrouter.ai/api/v1").
	BaseURL string `json:"base_url,omitempty"`

	// SuperegoModel is the model id used for the screening stage.
	SuperegoModel string `json:"superego_model"`

	// BaseModel is the model id used for the response stage and comparisons.
	BaseModel string `json:"base_model"`
}

// Configured reports whether a credential is present.
func (p ProviderConfig) Configured() bool {
	return strings.TrimSpace(p.APIKey) != ""
}

func (p ProviderConfig) validate() error {
	if strings.TrimSpace(p.SuperegoModel) == "" {
		return errors.New("superego_model: missing")
	}
	if strings.TrimSpace(p.BaseModel) == "" {
		return errors.New("base_model: missing")
	}
	baseURL := strings.TrimSpace(p.BaseURL)
	if baseURL == "" {
		return nil
	}
	u, err := url.Parse(baseURL)
	if err != nil || u == nil {
		return fmt.Errorf("base_url: invalid: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("base_url: invalid scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("base_url: invalid host")
	}
	return nil
}

// ProviderDisplayName returns the human-facing provider name used in diagnostics.
func ProviderDisplayName(id string) string {
	switch strings.TrimSpace(id) {
	case ProviderAnthropic:
		return "Anthropic"
	case ProviderOpenRouter:
		return "OpenRouter"
	default:
		return strings.TrimSpace(id)
	}
}
